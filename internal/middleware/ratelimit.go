package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// RateLimit enforces the tier's per-minute request budget. Run it after
// OptionalJWT so authenticated callers are bucketed by user ID rather than
// client IP.
func RateLimit(quotas *service.QuotaService, metrics *service.MetricsService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		user := UserFromContext(c)
		allowed, retryAfter, err := quotas.AllowRequest(c.Request.Context(), user, c.ClientIP())
		if err != nil {
			// The limiter fails open; an error here is unexpected.
			logger.Warn("rate limiter error", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			metrics.ObserveRateLimited()
			response.Error(c, appErrors.WithRetryAfter(appErrors.ErrRateLimited, retryAfter))
			c.Abort()
			return
		}
		c.Next()
	}
}
