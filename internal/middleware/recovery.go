package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Recovery turns a panic into a 500 and logs it with whatever is known about the caller.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				withCaller(log.Error(), c).
					Interface("error", r).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_server_error",
				})
			}
		}()
		c.Next()
	}
}

// withCaller adds the request, client and session a log line is about.
func withCaller(event *zerolog.Event, c *gin.Context) *zerolog.Event {
	event = event.
		Str("request_id", RequestIDFrom(c)).
		Str("client_id", ClientIDFrom(c))
	if session, ok := CurrentSession(c); ok {
		event = event.
			Str("identity", session.Identity).
			Str("session_id", session.ID).
			Bool("shared", session.Shared)
	}
	return event
}
