package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// InternalHandler lets trusted callers trigger the maintenance sweeps out of
// band. The same loops run on timers; these endpoints exist for operators
// and migration scripts that cannot wait for the next tick.
type InternalHandler struct {
	files         *service.FileService
	jobs          *service.JobService
	worker        *service.WorkerService
	entitlements  *service.EntitlementService
	retentionDays int
	logger        *zap.Logger
}

// NewInternalHandler constructs the internal maintenance surface.
func NewInternalHandler(files *service.FileService, jobs *service.JobService, worker *service.WorkerService, entitlements *service.EntitlementService, retentionDays int, logger *zap.Logger) *InternalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InternalHandler{
		files:         files,
		jobs:          jobs,
		worker:        worker,
		entitlements:  entitlements,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// SweepExpired handles POST /internal/sweeps/expired.
func (h *InternalHandler) SweepExpired(c *gin.Context) {
	n, err := h.files.SweepExpired(c.Request.Context(), 500)
	h.respond(c, "expired", int64(n), err)
}

// SweepPending handles POST /internal/sweeps/pending.
func (h *InternalHandler) SweepPending(c *gin.Context) {
	n, err := h.jobs.SweepPending(c.Request.Context(), 0)
	h.respond(c, "pending", int64(n), err)
}

// SweepRetries handles POST /internal/sweeps/retries.
func (h *InternalHandler) SweepRetries(c *gin.Context) {
	n, err := h.jobs.SweepFailedRetries(c.Request.Context())
	h.respond(c, "retries", int64(n), err)
}

// SweepLeases handles POST /internal/sweeps/leases.
func (h *InternalHandler) SweepLeases(c *gin.Context) {
	n, err := h.worker.SweepStaleLeases(c.Request.Context())
	h.respond(c, "leases", int64(n), err)
}

// PruneUsage handles POST /internal/sweeps/usage.
func (h *InternalHandler) PruneUsage(c *gin.Context) {
	n, err := h.entitlements.PruneUsage(c.Request.Context(), h.retentionDays)
	h.respond(c, "usage", n, err)
}

func (h *InternalHandler) respond(c *gin.Context, sweep string, swept int64, err error) {
	if err != nil {
		h.logger.Error("manual sweep failed", zap.String("sweep", sweep), zap.Error(err))
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "sweep failed"))
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"sweep": sweep, "swept": swept}, nil)
}
