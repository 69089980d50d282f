package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// ContextUserKey is the gin context key storing the resolved user.
const ContextUserKey = "currentUser"

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// JWT protects routes by requiring a valid access token and an active user
// row behind it.
func JWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		user, err := authService.ResolveUser(c.Request.Context(), claims)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// OptionalJWT attaches the user when a valid token is present but lets
// anonymous callers through. Guest uploads and share redemption run here.
func OptionalJWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Next()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Next()
			return
		}

		if user, err := authService.ResolveUser(c.Request.Context(), claims); err == nil {
			c.Set(ContextUserKey, user)
		}
		c.Next()
	}
}

// UserFromContext returns the resolved user, or nil for guests.
func UserFromContext(c *gin.Context) *models.User {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}
