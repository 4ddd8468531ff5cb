package middleware

import (
	"github.com/gin-gonic/gin"

	"sessiongate/internal/ids"
	"sessiongate/internal/models"
)

const (
	clientIDHeader       = "X-Client-Id"
	clientPlatformHeader = "X-Client-Platform"
	clientIDKey          = "client_id"
)

// ClientID identifies the calling client (a browser tab, a CLI) across requests. A client
// without an id is assigned one and told about it in the response header.
func ClientID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(clientIDHeader)
		if id == "" {
			id = c.Query("client_id")
		}
		if id == "" || len(id) > 128 {
			id = ids.NewClientID()
		}

		c.Set(clientIDKey, id)
		c.Writer.Header().Set(clientIDHeader, id)

		c.Next()
	}
}

func ClientIDFrom(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

// ClientInfo describes the caller from its request headers.
func ClientInfo(c *gin.Context) models.ClientInfo {
	platform := c.GetHeader(clientPlatformHeader)
	if platform == "" {
		platform = trimQuotes(c.GetHeader("Sec-CH-UA-Platform"))
	}
	return models.ClientInfo{
		ID:        ClientIDFrom(c),
		UserAgent: c.GetHeader("User-Agent"),
		Platform:  platform,
		Language:  c.GetHeader("Accept-Language"),
		IPAddress: c.ClientIP(),
	}
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
