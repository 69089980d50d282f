package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/dto"
	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// FileHandler exposes the file registry: listing, inspection, lifecycle
// history, download links, deletion, and guest rebinding.
type FileHandler struct {
	files    *service.FileService
	delivery *service.DeliveryService
	sm       *service.StateMachine
	audit    *service.AuditService
	logger   *zap.Logger
}

// NewFileHandler constructs the file surface.
func NewFileHandler(files *service.FileService, delivery *service.DeliveryService, sm *service.StateMachine, audit *service.AuditService, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{files: files, delivery: delivery, sm: sm, audit: audit, logger: logger}
}

// List handles GET /files for the authenticated owner.
func (h *FileHandler) List(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		page = 1
	}

	files, total, err := h.files.List(c.Request.Context(), user.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}

	out := make([]dto.FileResponse, 0, len(files))
	for i := range files {
		out = append(out, dto.FileFromModel(&files[i]))
	}
	response.JSON(c, http.StatusOK, out, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total})
}

// Get handles GET /files/:id.
func (h *FileHandler) Get(c *gin.Context) {
	file, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	response.JSON(c, http.StatusOK, dto.FileFromModel(file), nil)
}

// History handles GET /files/:id/history, the immutable lifecycle log.
func (h *FileHandler) History(c *gin.Context) {
	file, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	logs, err := h.sm.History(c.Request.Context(), file.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	out := make([]dto.StateLogResponse, 0, len(logs))
	for _, log := range logs {
		out = append(out, dto.StateLogResponse{
			FromState: string(log.FromState),
			ToState:   string(log.ToState),
			Actor:     string(log.ActorKind),
			ActorID:   log.ActorID,
			Metadata:  log.Metadata,
			Timestamp: log.Timestamp,
		})
	}
	response.JSON(c, http.StatusOK, out, nil)
}

// Versions handles GET /files/:id/versions.
func (h *FileHandler) Versions(c *gin.Context) {
	file, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	versions, err := h.files.Versions(c.Request.Context(), file.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, versions, nil)
}

// Download handles GET /files/:id/download. The default is a 302 to the
// signed URL; redirect=false returns the URL and its window as JSON.
func (h *FileHandler) Download(c *gin.Context) {
	expiresHours, _ := strconv.Atoi(c.DefaultQuery("expiresHours", "0"))
	info, err := h.delivery.DownloadURL(c.Request.Context(), currentUser(c), c.Param("id"), expiresHours)
	if err != nil {
		response.Error(c, err)
		return
	}
	if c.Query("redirect") == "false" {
		response.JSON(c, http.StatusOK, info, nil)
		return
	}
	c.Redirect(http.StatusFound, info.URL)
}

// Delete handles DELETE /files/:id.
func (h *FileHandler) Delete(c *gin.Context) {
	file, ok := h.loadAccessible(c)
	if !ok {
		return
	}
	user := currentUser(c)
	var actorID *string
	actor := models.ActorSystem
	if user != nil {
		id := user.ID
		actorID = &id
		actor = models.ActorUser
	}
	if err := h.files.Delete(c.Request.Context(), file, actor, actorID); err != nil {
		response.Error(c, err)
		return
	}
	h.audit.Event(c.Request.Context(), models.AuditFileDeleted, actor, actorID, file.ID, nil)
	response.NoContent(c)
}

// Rebind handles POST /files/rebind: an authenticated user claims a guest
// upload made before signing up.
func (h *FileHandler) Rebind(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RebindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rebind payload"))
		return
	}
	if err := h.files.RebindOwner(c.Request.Context(), req.FileID, user.ID); err != nil {
		response.Error(c, err)
		return
	}
	id := user.ID
	h.audit.Event(c.Request.Context(), models.AuditOwnerRebound, models.ActorUser, &id, req.FileID, nil)
	response.NoContent(c)
}

// Usage handles GET /files/usage.
func (h *FileHandler) Usage(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	used, err := h.files.StorageUsage(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load storage usage"))
		return
	}
	limit := user.Tier().StorageQuotaBytes()
	response.JSON(c, http.StatusOK, dto.StorageUsageResponse{
		UsedBytes:  used,
		LimitBytes: limit,
		Unlimited:  limit == models.Unlimited,
	}, nil)
}

func (h *FileHandler) loadAccessible(c *gin.Context) (*models.FileAsset, bool) {
	file, err := h.files.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if !canAccessFile(currentUser(c), file) {
		user := currentUser(c)
		var actorID *string
		if user != nil {
			id := user.ID
			actorID = &id
		}
		h.audit.Security(c.Request.Context(), models.AuditCrossOwnerAccess, actorID, file.ID,
			models.Metadata{"operation": c.FullPath()})
		response.Error(c, appErrors.ErrAuthorization)
		return nil, false
	}
	return file, true
}
