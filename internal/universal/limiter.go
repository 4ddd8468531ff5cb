// Package universal caps how many sessions a shared account may hold at once.
package universal

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"sessiongate/internal/models"
	"sessiongate/internal/registry"
)

// NearLimitPercent marks an account as close to its cap.
const NearLimitPercent = 80

// SharedAccessRecorder books a successful shared login against the account.
type SharedAccessRecorder interface {
	RecordSharedAccess(ctx context.Context, name string, at time.Time) error
}

type Request struct {
	Profile string
	Client  models.ClientInfo
}

type Limiter struct {
	registry *registry.Registry
	recorder SharedAccessRecorder
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(reg *registry.Registry, recorder SharedAccessRecorder, log zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		registry: reg,
		recorder: recorder,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts the account's live sessions and creates a new one in a single critical
// section, so concurrent logins can never overshoot MaxSessions. A MaxSessions of zero or
// less means the account is uncapped.
func (l *Limiter) Admit(ctx context.Context, account models.SharedAccount, req Request) (models.Outcome, error) {
	var outcome models.Outcome
	err := l.registry.Exclusive(ctx, registry.NamespaceShared, func() error {
		current, err := l.count(ctx, account.Name)
		if err != nil {
			return err
		}

		if account.MaxSessions > 0 && current >= account.MaxSessions {
			outcome = models.Outcome{
				Kind:        models.OutcomeLimitReached,
				Identity:    account.Name,
				Current:     current,
				Max:         account.MaxSessions,
				AccountKind: account.Kind,
			}
			return nil
		}

		session, err := l.registry.Create(ctx, account.Snapshot(), req.Profile, req.Client)
		if err != nil {
			return err
		}
		outcome = models.Outcome{
			Kind:     models.OutcomeSuccess,
			Identity: account.Name,
			Session:  &session,
			Current:  current + 1,
			Max:      account.MaxSessions,
		}
		return nil
	})
	if err != nil {
		return models.Outcome{}, err
	}

	if outcome.Kind == models.OutcomeLimitReached {
		l.log.Warn().
			Str("account", account.Name).
			Int("current", outcome.Current).
			Int("max", outcome.Max).
			Msg("shared account session limit reached")
		return outcome, nil
	}

	if l.recorder != nil {
		if err := l.recorder.RecordSharedAccess(ctx, account.Name, l.now()); err != nil {
			l.log.Warn().Err(err).Str("account", account.Name).Msg("record shared access failed")
		}
	}
	return outcome, nil
}

func (l *Limiter) count(ctx context.Context, name string) (int, error) {
	sessions, err := l.registry.SessionsFor(ctx, name)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if s.Shared {
			n++
		}
	}
	return n, nil
}

type AccountStats struct {
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	Active      int    `json:"activeSessions"`
	Max         int    `json:"maxSessions"`
	Utilisation int    `json:"utilisationPercent"`
	NearLimit   bool   `json:"nearLimit"`
	AtLimit     bool   `json:"atLimit"`
	TotalLogins int    `json:"totalLogins"`
}

// Stats reports how full each shared account is.
func (l *Limiter) Stats(ctx context.Context, accounts []models.SharedAccount) ([]AccountStats, error) {
	active, err := l.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, s := range active {
		if s.Shared {
			counts[s.Identity]++
		}
	}

	out := make([]AccountStats, 0, len(accounts))
	for _, a := range accounts {
		st := AccountStats{
			Name:        a.Name,
			Kind:        a.Kind,
			Active:      counts[a.Name],
			Max:         a.MaxSessions,
			TotalLogins: a.TotalLogins,
		}
		if a.MaxSessions > 0 {
			st.Utilisation = st.Active * 100 / a.MaxSessions
			st.NearLimit = st.Utilisation >= NearLimitPercent
			st.AtLimit = st.Active >= a.MaxSessions
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
