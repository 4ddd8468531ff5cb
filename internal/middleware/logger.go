package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. Health checks only show at debug level.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case strings.HasSuffix(c.Request.URL.Path, "/healthz"):
			event = log.Debug()
		default:
			event = log.Info()
		}

		// route pattern, so session ids in paths stay out of the log
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		withCaller(event, c).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("latency", latency).
			Msg("http request")
	}
}
