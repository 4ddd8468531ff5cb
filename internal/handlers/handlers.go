package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sessiongate/internal/config"
	"sessiongate/internal/middleware"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
	"sessiongate/internal/security"
	"sessiongate/internal/service"
)

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// EventSource is where session change notifications come from.
type EventSource interface {
	Subscribe() (<-chan registry.Event, func())
}

type HandlerSet struct {
	log          zerolog.Logger
	cfg          *config.AppConfig
	authService  *service.AuthService
	tokens       *security.TokenIssuer
	events       EventSource
	loginLimiter *middleware.IPRateLimiter
	checks       map[string]HealthCheck
	streams      *streams
}

// streams lets shutdown end websocket subscriptions; http.Server.Shutdown does not track
// hijacked connections.
type streams struct {
	once sync.Once
	done chan struct{}
}

func NewHandlerSet(
	log zerolog.Logger,
	cfg *config.AppConfig,
	authService *service.AuthService,
	tokens *security.TokenIssuer,
	events EventSource,
	loginLimiter *middleware.IPRateLimiter,
	checks map[string]HealthCheck,
) HandlerSet {
	return HandlerSet{
		log:          log,
		cfg:          cfg,
		authService:  authService,
		tokens:       tokens,
		events:       events,
		loginLimiter: loginLimiter,
		checks:       checks,
		streams:      &streams{done: make(chan struct{})},
	}
}

// CloseStreams tells every open events websocket to say goodbye and return.
func (h HandlerSet) CloseStreams() {
	h.streams.once.Do(func() { close(h.streams.done) })
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.Use(middleware.ClientID())
	{
		auth := v1.Group("/auth")
		auth.POST("/login", middleware.RateLimit(h.loginLimiter), h.Login)
		auth.POST("/conflict/resolve", h.ResolveConflict)
		auth.POST("/logout", middleware.Auth(h.tokens, h.authService), h.Logout)

		sessions := v1.Group("/sessions")
		sessions.Use(middleware.Auth(h.tokens, h.authService))
		sessions.GET("", h.ListSessions)
		sessions.DELETE("", h.TerminateOwnSessions)
		sessions.GET("/current", h.CurrentSession)
		sessions.GET("/events", h.SessionEvents)
		sessions.POST("/:id/switch", h.SwitchSession)
		sessions.DELETE("/:id", h.TerminateSession)
	}

	admin := v1.Group("/admin")
	admin.Use(
		middleware.Auth(h.tokens, h.authService),
		middleware.RequireCapability(models.CapabilityUserManagement, models.RoleAdministrator),
	)
	admin.GET("/sessions", h.AdminListSessions)
	admin.GET("/sessions/stats", h.AdminSessionStats)
	admin.DELETE("/identities/:name/sessions", h.AdminTerminateIdentity)
	admin.GET("/lockouts/:name", h.AdminLockoutStatus)
	admin.POST("/lockouts/:name/unlock", h.AdminUnlock)
	admin.GET("/conflict-policy", h.AdminGetPolicy)
	admin.PUT("/conflict-policy", h.AdminSetPolicy)
	admin.GET("/shared-accounts/stats", h.AdminSharedStats)
}

// RegisterMetrics exposes the Prometheus registry outside the /api tree.
func RegisterMetrics(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// outcomeStatus maps an authentication outcome onto an HTTP status.
func outcomeStatus(kind models.OutcomeKind) int {
	switch kind {
	case models.OutcomeSuccess, models.OutcomeUserCancelled, models.OutcomeNoPendingConflict:
		return http.StatusOK
	case models.OutcomeInvalidCredential:
		return http.StatusUnauthorized
	case models.OutcomeLockedOut:
		return http.StatusLocked
	case models.OutcomeSessionConflict, models.OutcomeConflictChoiceRequired:
		return http.StatusConflict
	case models.OutcomeLimitReached:
		return http.StatusTooManyRequests
	case models.OutcomeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h HandlerSet) sendOutcome(c *gin.Context, outcome models.Outcome) {
	if outcome.Kind == models.OutcomeLockedOut && outcome.LockoutRemaining > 0 {
		c.Header("Retry-After", retryAfter(outcome.LockoutRemaining.Seconds()))
	}
	c.JSON(outcomeStatus(outcome.Kind), outcome)
}

// sendError answers for failures outside the outcome taxonomy.
func (h HandlerSet) sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	case errors.Is(err, models.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	}
}
