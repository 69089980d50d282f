package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
)

// Audit records an audit entry after a successful request on routes carrying
// side effects. Failures never block the response.
func Audit(audits *service.AuditService, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		var actorID *string
		actor := models.ActorSystem
		if user := UserFromContext(c); user != nil {
			id := user.ID
			actorID = &id
			actor = models.ActorUser
		}

		audits.Event(c.Request.Context(), action, actor, actorID, c.FullPath(), models.Metadata{
			"method": c.Request.Method,
			"status": c.Writer.Status(),
		})
	}
}
