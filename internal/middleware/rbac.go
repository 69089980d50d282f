package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/docflow-api/internal/models"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// RequireRoles restricts a route to the listed roles. It assumes JWT ran
// first; anonymous callers are rejected.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(c *gin.Context) {
		user := UserFromContext(c)
		if user == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[user.Role]; !ok {
			response.Error(c, appErrors.ErrAuthorization)
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminOnly is shorthand for the two admin roles.
func AdminOnly() gin.HandlerFunc {
	return RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)
}
