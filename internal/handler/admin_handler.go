package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// AdminHandler exposes the operator surface: queue stats, audit history, and
// the aggregated metrics snapshot.
type AdminHandler struct {
	jobs    *service.JobService
	audit   *service.AuditService
	metrics *service.MetricsService
	logger  *zap.Logger
}

// NewAdminHandler constructs the admin surface.
func NewAdminHandler(jobs *service.JobService, audit *service.AuditService, metrics *service.MetricsService, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{jobs: jobs, audit: audit, metrics: metrics, logger: logger}
}

// QueueStats handles GET /admin/queues/:name.
func (h *AdminHandler) QueueStats(c *gin.Context) {
	name := c.Param("name")
	if name != models.QueueHigh && name != models.QueueDefault {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "unknown queue"))
		return
	}
	stats, err := h.jobs.QueueStats(c.Request.Context(), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// AuditHistory handles GET /admin/audit/:targetId.
func (h *AdminHandler) AuditHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.audit.History(c.Request.Context(), c.Param("targetId"), limit)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit history"))
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}
