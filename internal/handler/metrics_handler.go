package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/docflow-api/internal/service"
)

// MetricsHandler exposes the Prometheus scrape endpoint.
type MetricsHandler struct {
	metrics *service.MetricsService
}

// NewMetricsHandler constructs the scrape surface.
func NewMetricsHandler(metrics *service.MetricsService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// Scrape handles GET /metrics.
func (h *MetricsHandler) Scrape(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
