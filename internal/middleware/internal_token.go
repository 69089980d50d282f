package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
)

// InternalOnly guards service-to-service routes with a shared bearer token.
// An empty configured token disables the routes entirely.
func InternalOnly(serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented, ok := bearerToken(c)
		if serviceToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(serviceToken)) != 1 {
			response.Error(c, appErrors.ErrAuthorization)
			c.Abort()
			return
		}
		c.Next()
	}
}
