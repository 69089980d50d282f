package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/dto"
	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// UploadHandler accepts multipart uploads through the validation and quota
// gates.
type UploadHandler struct {
	validator *service.ValidatorService
	files     *service.FileService
	quotas    *service.QuotaService
	audit     *service.AuditService
	metrics   *service.MetricsService
	logger    *zap.Logger
}

// NewUploadHandler constructs the upload surface.
func NewUploadHandler(validator *service.ValidatorService, files *service.FileService, quotas *service.QuotaService, audit *service.AuditService, metrics *service.MetricsService, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{validator: validator, files: files, quotas: quotas, audit: audit, metrics: metrics, logger: logger}
}

// Upload handles POST /files/upload. Guests may upload; their files expire.
func (h *UploadHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "multipart field 'file' is required"))
		return
	}

	var expiresIn time.Duration
	if raw := c.PostForm("expiresHours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > 720 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "expiresHours must be between 1 and 720"))
			return
		}
		expiresIn = time.Duration(hours) * time.Hour
	}

	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to read upload"))
		return
	}
	defer src.Close()

	result, spool, err := h.validator.Validate(c.Request.Context(), fileHeader.Filename, src)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer spool.Cleanup()

	user := currentUser(c)
	if err := h.quotas.CheckStorage(c.Request.Context(), user, result.SizeBytes); err != nil {
		response.Error(c, err)
		return
	}
	defer h.quotas.FinalizeReservation(c.Request.Context(), user, result.SizeBytes)

	content, err := spool.Reader()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}

	started := time.Now().UTC()
	file, err := h.files.Register(c.Request.Context(), service.RegisterRequest{
		Name:      fileHeader.Filename,
		Content:   content,
		Result:    result,
		Owner:     user,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	deduplicated := file.CreatedAt.Before(started)

	if !deduplicated {
		h.metrics.ObserveUpload(result.SizeBytes)
		var actorID *string
		actor := models.ActorSystem
		if user != nil {
			id := user.ID
			actorID = &id
			actor = models.ActorUser
		}
		h.audit.Event(c.Request.Context(), models.AuditFileUploaded, actor, actorID, file.ID,
			models.Metadata{"size_bytes": result.SizeBytes, "mime_type": result.MimeType})
	}

	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	response.JSON(c, status, dto.UploadResponse{
		ID:           file.ID,
		OriginalName: file.OriginalName,
		MimeType:     file.MimeType,
		SizeBytes:    file.SizeBytes,
		Checksum:     file.OriginalChecksum,
		State:        string(file.CurrentState),
		PageCount:    file.PageCount,
		ExpiresAt:    file.ExpiresAt,
		Deduplicated: deduplicated,
	}, nil)
}
