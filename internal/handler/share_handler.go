package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/dto"
	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// ShareHandler exposes share-link creation, redemption, and revocation.
type ShareHandler struct {
	delivery *service.DeliveryService
	logger   *zap.Logger
}

// NewShareHandler constructs the share surface.
func NewShareHandler(delivery *service.DeliveryService, logger *zap.Logger) *ShareHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShareHandler{delivery: delivery, logger: logger}
}

// Create handles POST /files/:id/share.
func (h *ShareHandler) Create(c *gin.Context) {
	var req dto.CreateShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid share payload"))
		return
	}

	info, err := h.delivery.CreateShare(c.Request.Context(), currentUser(c), c.Param("id"), models.ShareOptions{
		ExpiresHours: req.ExpiresHours,
		Password:     req.Password,
		MaxDownloads: req.MaxDownloads,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, info)
}

// Redeem handles GET /share/:shareId and POST /share/:shareId/redeem.
// No authentication: possession
// of the link plus the optional password is the credential.
func (h *ShareHandler) Redeem(c *gin.Context) {
	var req dto.RedeemShareRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid redeem payload"))
			return
		}
	}
	// GET redemption carries the password as a query or form field.
	if req.Password == nil {
		if pw := c.Query("password"); pw != "" {
			req.Password = &pw
		} else if pw := c.PostForm("password"); pw != "" {
			req.Password = &pw
		}
	}

	result, err := h.delivery.RedeemShare(c.Request.Context(), c.Param("shareId"), req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Revoke handles DELETE /files/:id/share/:shareId.
func (h *ShareHandler) Revoke(c *gin.Context) {
	if err := h.delivery.RevokeShare(c.Request.Context(), currentUser(c), c.Param("id"), c.Param("shareId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
