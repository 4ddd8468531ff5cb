// Package lockout counts failed authentication attempts per identity over a sliding window.
package lockout

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 15 * time.Minute
)

// Store persists the failure timestamps of each identity.
// Implementations return an empty slice, not an error, for unknown identities.
type Store interface {
	// Attempts returns the failures recorded after since, dropping older ones.
	Attempts(ctx context.Context, identity string, since time.Time) ([]time.Time, error)
	// Record appends a failure at and drops failures at or before at minus window as one
	// atomic step, returning what is retained. Stores shared by several processes must not
	// lose concurrent appends.
	Record(ctx context.Context, identity string, at time.Time, window time.Duration) ([]time.Time, error)
	Clear(ctx context.Context, identity string) error
}

// Pruner is implemented by stores that keep expired records until told to drop them.
type Pruner interface {
	Prune(now time.Time) int
}

type Guard struct {
	store     Store
	threshold int
	window    time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Guard)

func WithThreshold(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

func NewGuard(store Store, log zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Threshold() int        { return g.threshold }
func (g *Guard) Window() time.Duration { return g.window }

// RecordFailure appends a failure for identity and drops attempts older than the window.
// It reports whether the identity is locked out afterwards.
func (g *Guard) RecordFailure(ctx context.Context, identity string) (bool, error) {
	now := g.now()
	stored, err := g.store.Record(ctx, identity, now, g.window)
	if err != nil {
		return false, err
	}
	attempts := g.inWindow(stored, now)

	locked := len(attempts) >= g.threshold
	if locked {
		g.log.Warn().
			Str("identity", identity).
			Int("attempts", len(attempts)).
			Time("locked_until", now.Add(g.window)).
			Msg("identity locked out")
	}
	return locked, nil
}

func (g *Guard) IsLockedOut(ctx context.Context, identity string) bool {
	return len(g.retained(ctx, identity, g.now())) >= g.threshold
}

// Clear forgets every failure of identity. Used on successful login and by administrators.
func (g *Guard) Clear(ctx context.Context, identity string) error {
	return g.store.Clear(ctx, identity)
}

// Prune drops records whose window has passed, for stores that do not expire them on their
// own. It returns how many identities were forgotten.
func (g *Guard) Prune() int {
	p, ok := g.store.(Pruner)
	if !ok {
		return 0
	}
	n := p.Prune(g.now())
	if n > 0 {
		g.log.Debug().Int("identities", n).Msg("pruned expired lockout records")
	}
	return n
}

// LockoutEndsAt returns the newest retained attempt plus the window, or the zero time
// when no attempts are retained.
func (g *Guard) LockoutEndsAt(ctx context.Context, identity string) time.Time {
	attempts := g.retained(ctx, identity, g.now())
	if len(attempts) == 0 {
		return time.Time{}
	}
	return attempts[len(attempts)-1].Add(g.window)
}

// Remaining is how long identity stays locked; zero when it is not locked out.
func (g *Guard) Remaining(ctx context.Context, identity string) time.Duration {
	now := g.now()
	attempts := g.retained(ctx, identity, now)
	if len(attempts) < g.threshold {
		return 0
	}
	remaining := attempts[len(attempts)-1].Add(g.window).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// retained reads the stored attempts that are still inside the window, oldest first.
// Store errors and corrupt records read as no attempts.
func (g *Guard) retained(ctx context.Context, identity string, now time.Time) []time.Time {
	stored, err := g.store.Attempts(ctx, identity, now.Add(-g.window))
	if err != nil {
		g.log.Warn().Err(err).Str("identity", identity).Msg("lockout state unreadable, treating as clean")
		return nil
	}
	return g.inWindow(stored, now)
}

func (g *Guard) inWindow(stored []time.Time, now time.Time) []time.Time {
	out := make([]time.Time, 0, len(stored))
	for _, t := range stored {
		if t.IsZero() || now.Sub(t) >= g.window {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
