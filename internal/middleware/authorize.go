package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sessiongate/internal/models"
)

// RequireCapability admits sessions holding capability, or any of roles.
func RequireCapability(capability string, roles ...models.Role) gin.HandlerFunc {
	roleSet := make(map[models.Role]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	return func(c *gin.Context) {
		session, ok := CurrentSession(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if _, ok := roleSet[session.Role]; ok || session.HasCapability(capability) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
