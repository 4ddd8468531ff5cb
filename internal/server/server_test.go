package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiongate/internal/config"
	"sessiongate/internal/handlers"
	"sessiongate/internal/middleware"
	"sessiongate/internal/registry"
)

func TestHTTPServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.AppConfig{
		Environment:      "test",
		HTTP:             config.HTTPConfig{Host: "127.0.0.1", Port: 0},
		AllowCORSOrigins: []string{"https://app.example"},
	}
	log := zerolog.Nop()
	reg := registry.New(registry.NewMemoryStore(), log)
	set := handlers.NewHandlerSet(log, cfg, nil, nil, reg, middleware.NewIPRateLimiter(10, 10), nil)
	srv := NewHTTPServer(cfg, log, set)

	serve := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := serve(http.MethodGet, "/api/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Contains(t, w.Body.String(), `"environment":"test"`)

	w = serve(http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(http.MethodGet, "/api/v1/sessions")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Client-Id"))

	require.NoError(t, srv.Shutdown(context.Background()))
}
