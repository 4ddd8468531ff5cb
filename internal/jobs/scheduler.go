package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sessiongate/internal/metrics"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
	"sessiongate/internal/universal"
)

// SharedAccountLister supplies the shared accounts whose utilisation is published.
type SharedAccountLister interface {
	SharedAccounts(ctx context.Context) ([]models.SharedAccount, error)
}

type Scheduler struct {
	cron     *cron.Cron
	registry *registry.Registry
	limiter  *universal.Limiter
	accounts SharedAccountLister
	metrics  *metrics.Metrics
	log      zerolog.Logger

	sweepEvery time.Duration
	statsEvery time.Duration
	timeout    time.Duration

	prune      []func()
	pruneEvery time.Duration
}

type Option func(*Scheduler)

// WithPrune runs fn every ten minutes to drop idle in-memory state, such as per-IP limiters
// or expired lockout records.
func WithPrune(fn func()) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.prune = append(s.prune, fn)
		}
	}
}

func NewScheduler(
	reg *registry.Registry,
	limiter *universal.Limiter,
	accounts SharedAccountLister,
	m *metrics.Metrics,
	sweepEvery time.Duration,
	statsEvery time.Duration,
	log zerolog.Logger,
	opts ...Option,
) *Scheduler {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s := &Scheduler{
		cron:       c,
		registry:   reg,
		limiter:    limiter,
		accounts:   accounts,
		metrics:    m,
		log:        log,
		sweepEvery: sweepEvery,
		statsEvery: statsEvery,
		timeout:    30 * time.Second,
		pruneEvery: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Start() error {
	if s.sweepEvery > 0 {
		if _, err := s.cron.AddFunc(every(s.sweepEvery), s.Sweep); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if s.statsEvery > 0 {
		if _, err := s.cron.AddFunc(every(s.statsEvery), s.RefreshStats); err != nil {
			return fmt.Errorf("schedule stats: %w", err)
		}
	}

	if len(s.prune) > 0 {
		if _, err := s.cron.AddFunc(every(s.pruneEvery), s.Prune); err != nil {
			return fmt.Errorf("schedule prune: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling; the returned context is done once running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	removed, err := s.registry.SweepExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("session sweep failed")
		return
	}
	s.metrics.AddSwept(removed)
}

func (s *Scheduler) RefreshStats() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	active, err := s.registry.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list sessions for stats failed")
		return
	}
	s.metrics.SetActiveSessions(len(active))

	if s.accounts == nil || s.limiter == nil {
		return
	}
	accounts, err := s.accounts.SharedAccounts(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("list shared accounts failed")
		return
	}
	stats, err := s.limiter.Stats(ctx, accounts)
	if err != nil {
		s.log.Warn().Err(err).Msg("shared account stats failed")
		return
	}
	for _, st := range stats {
		s.metrics.SetShared(st.Name, st.Active, st.Max)
		if st.NearLimit {
			s.log.Info().
				Str("account", st.Name).
				Int("active", st.Active).
				Int("max", st.Max).
				Msg("shared account near its session limit")
		}
	}
}

func (s *Scheduler) Prune() {
	for _, fn := range s.prune {
		fn()
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
