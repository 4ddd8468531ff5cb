package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sessiongate/internal/events"
	"sessiongate/internal/handlers"
	"sessiongate/internal/jobs"
	"sessiongate/internal/log"
	"sessiongate/internal/metrics"
	"sessiongate/internal/middleware"
	"sessiongate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, expiry sweeper and event relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Global()
	st, err := openStack(ctx, cfg, logger, m)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer st.Close(logger)

	if st.redis != nil {
		relay := events.NewRelay(st.redis, cfg.Redis.Stream, cfg.Redis.StreamMaxLen, st.registry.Hub(), m, log.Component(logger, "relay"))
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}

	loginLimiter := middleware.NewIPRateLimiter(cfg.Security.LoginRateLimit, cfg.Security.LoginBurst)
	handlerSet := handlers.NewHandlerSet(logger, cfg, st.auth, st.tokens, st.registry, loginLimiter, st.healthChecks())
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	scheduler := jobs.NewScheduler(st.registry, st.limiter, st.credentials, m,
		cfg.Sessions.SweepInterval, cfg.Sessions.StatsInterval, log.Component(logger, "jobs"),
		jobs.WithPrune(loginLimiter.Prune),
		jobs.WithPrune(func() { st.guard.Prune() }),
	)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
		<-scheduler.Stop().Done()
		return err
	case <-ctx.Done():
	}

	waitForShutdown(logger, httpServer, scheduler)
	return nil
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler) {
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduled jobs still running at exit")
	}

	logger.Info().Msg("server exited cleanly")
}
