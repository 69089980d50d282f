package handler

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
	"github.com/noah-isme/docflow-api/pkg/storage"
)

// StorageHandler serves token-backed object downloads for the local backend.
// S3 deployments presign natively and never mount this route.
type StorageHandler struct {
	store  storage.Gateway
	signer *storage.URLSigner
	logger *zap.Logger
}

// NewStorageHandler constructs the object-serving surface.
func NewStorageHandler(store storage.Gateway, signer *storage.URLSigner, logger *zap.Logger) *StorageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageHandler{store: store, signer: signer, logger: logger}
}

// Object handles GET /storage/object?token=...: it validates the HMAC token
// and streams the object it names.
func (h *StorageHandler) Object(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token query parameter is required"))
		return
	}

	key, op, _, err := h.signer.Parse(token)
	if err != nil || op != storage.SignGet {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token"))
		return
	}

	reader, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "object not found"))
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", reader, nil)
}
