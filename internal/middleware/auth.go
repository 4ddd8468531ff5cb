package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sessiongate/internal/models"
	"sessiongate/internal/security"
)

const (
	sessionKey = "session"
	claimsKey  = "session_claims"
)

// SessionValidator resolves a session id to a live session.
type SessionValidator interface {
	Session(ctx context.Context, id string) (models.Session, bool, error)
}

// Auth accepts a bearer token (or ?token= for websocket upgrades) and requires the session it
// names to still be valid in the registry. It rebinds the request's client id to the
// session's.
func Auth(tokens *security.TokenIssuer, sessions SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearer(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		session, ok, err := sessions.Session(c.Request.Context(), claims.SessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session_store_unavailable"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_expired"})
			return
		}
		if session.Identity != claims.Identity {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_mismatch"})
			return
		}

		c.Set(claimsKey, *claims)
		c.Set(sessionKey, session)
		// client-scoped routes act for the client the session was issued to, never for the
		// id the request claims
		c.Set(clientIDKey, session.Client.ID)
		c.Writer.Header().Set(clientIDHeader, session.Client.ID)

		c.Next()
	}
}

func bearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.Query("token")
}

// CurrentSession returns the session attached by Auth.
func CurrentSession(c *gin.Context) (models.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return models.Session{}, false
	}
	session, ok := v.(models.Session)
	return session, ok
}
