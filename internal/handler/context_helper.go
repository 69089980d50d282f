package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/docflow-api/internal/middleware"
	"github.com/noah-isme/docflow-api/internal/models"
)

func currentUser(c *gin.Context) *models.User {
	return middleware.UserFromContext(c)
}

// canAccessFile applies the shared ownership rule: admins see everything,
// guest files are addressable by whoever holds the ID, owners see their own.
func canAccessFile(user *models.User, file *models.FileAsset) bool {
	if user != nil && (user.Role == models.RoleAdmin || user.Role == models.RoleSuperAdmin) {
		return true
	}
	if file.OwnerID == nil {
		return true
	}
	return user != nil && file.IsOwnedBy(user.ID)
}
