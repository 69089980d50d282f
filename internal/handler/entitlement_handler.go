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

// EntitlementHandler exposes the caller's feature entitlements.
type EntitlementHandler struct {
	entitlements *service.EntitlementService
	logger       *zap.Logger
}

// NewEntitlementHandler constructs the entitlement surface.
func NewEntitlementHandler(entitlements *service.EntitlementService, logger *zap.Logger) *EntitlementHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntitlementHandler{entitlements: entitlements, logger: logger}
}

// List handles GET /entitlements: every active feature resolved for the
// caller in one round trip.
func (h *EntitlementHandler) List(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entitlements, err := h.entitlements.GetUserEntitlements(c.Request.Context(), user)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entitlements, nil)
}

// Check handles POST /entitlements/check: a bulk decision over the requested
// feature codes, for frontends gating UI affordances.
func (h *EntitlementHandler) Check(c *gin.Context) {
	var req dto.EntitlementCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid check payload"))
		return
	}

	user := currentUser(c)
	decisions := make(map[string]*models.Decision, len(req.Features))
	for _, code := range req.Features {
		decision, err := h.entitlements.Check(c.Request.Context(), user, code)
		if err != nil {
			response.Error(c, err)
			return
		}
		decisions[code] = decision
	}
	response.JSON(c, http.StatusOK, decisions, nil)
}
