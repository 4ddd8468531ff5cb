package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sessiongate/internal/cache"
	"sessiongate/internal/config"
	"sessiongate/internal/conflict"
	"sessiongate/internal/database"
	"sessiongate/internal/handlers"
	"sessiongate/internal/ids"
	"sessiongate/internal/lockout"
	"sessiongate/internal/log"
	"sessiongate/internal/metrics"
	"sessiongate/internal/registry"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
	"sessiongate/internal/selector"
	"sessiongate/internal/service"
	"sessiongate/internal/universal"
)

var errNeedsRedis = errors.New("admin commands operate on shared state; set sessions.storage to redis")

// state is the session and lockout state, in memory or in Redis.
type state struct {
	redis    *redis.Client
	registry *registry.Registry
	guard    *lockout.Guard
	engine   *conflict.Engine
}

func openState(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*state, error) {
	var (
		sessions registry.Store
		attempts lockout.Store
		policies conflict.PolicyStore
		pending  conflict.PendingStore
		client   *redis.Client
	)

	switch cfg.Sessions.Storage {
	case config.StorageRedis:
		var err error
		client, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		keys := cache.Keys{Prefix: cfg.Redis.Prefix}
		sessions = cache.NewSessionStore(client, keys)
		attempts = cache.NewLockoutStore(client, keys)
		policies = cache.NewPolicyStore(client, keys)
		pending = cache.NewPendingStore(client, keys)
	default:
		sessions = registry.NewMemoryStore()
		attempts = lockout.NewMemoryStore()
		policies = conflict.NewMemoryPolicyStore()
		pending = conflict.NewMemoryPendingStore()
	}

	reg := registry.New(sessions, log.Component(logger, "registry"),
		registry.WithDefaultDuration(cfg.Sessions.DefaultDuration),
	)
	guard := lockout.NewGuard(attempts, log.Component(logger, "lockout"),
		lockout.WithThreshold(cfg.Lockout.Threshold),
		lockout.WithWindow(cfg.Lockout.Window),
	)
	engine := conflict.NewEngine(reg, policies, conflict.Policy(cfg.Sessions.ConflictPolicy), log.Component(logger, "conflict"),
		conflict.WithPendingTTL(cfg.Sessions.PendingTTL),
		conflict.WithPendingStore(pending),
	)

	return &state{redis: client, registry: reg, guard: guard, engine: engine}, nil
}

func (s *state) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// stack is everything serve needs.
type stack struct {
	*state
	pool        *pgxpool.Pool
	credentials service.CredentialStore
	limiter     *universal.Limiter
	tokens      *security.TokenIssuer
	auth        *service.AuthService
}

func openStack(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger, m *metrics.Metrics) (*stack, error) {
	st, err := openState(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	out := &stack{state: st}

	switch cfg.Credentials.Source {
	case config.SourcePostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			_ = st.Close()
			return nil, err
		}
		out.pool = pool
		out.credentials = repository.NewCredentialRepository(pool)
	default:
		creds, err := repository.LoadSeedFile(cfg.Credentials.SeedFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		out.credentials = creds
	}

	secret := cfg.Security.JWTSecret
	if secret == "" {
		secret = ids.New()
		logger.Warn().Msg("security.jwtsecret not set; tokens will not survive a restart")
	}
	out.tokens = security.NewTokenIssuer(secret, cfg.Security.TokenTTL, nil)

	out.limiter = universal.NewLimiter(st.registry, out.credentials, log.Component(logger, "shared"))
	out.auth = service.NewAuthService(
		out.credentials,
		st.guard,
		st.registry,
		st.engine,
		out.limiter,
		selector.New(st.registry, log.Component(logger, "selector")),
		log.Component(logger, "auth"),
		service.WithLookupTimeout(cfg.Sessions.LookupTimeout),
		service.WithMetrics(m),
		service.WithTokens(out.tokens),
	)
	return out, nil
}

func (s *stack) healthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if s.pool != nil {
		checks["postgres"] = s.pool.Ping
	}
	if s.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return s.redis.Ping(ctx).Err() }
	}
	return checks
}

func (s *stack) Close(logger zerolog.Logger) {
	if s.pool != nil {
		s.pool.Close()
	}
	if err := s.state.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}
}
