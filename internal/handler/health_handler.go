package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *zap.Logger
}

// NewHealthHandler constructs the probe surface.
func NewHealthHandler(db *sqlx.DB, redisClient *redis.Client, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{db: db, redis: redisClient, logger: logger}
}

// Live handles GET /health.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /ready: both backing stores must answer.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx := c.Request.Context()

	checks := gin.H{"database": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("database probe failed", zap.Error(err))
		checks["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		h.logger.Warn("redis probe failed", zap.Error(err))
		checks["redis"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"status": checks, "checked_at": time.Now().UTC()})
}
