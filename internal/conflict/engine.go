// Package conflict applies the login conflict policy to regular identities.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sessiongate/internal/ids"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
)

const DefaultPendingTTL = 5 * time.Minute

// Request carries what the new session should look like once admitted.
type Request struct {
	Profile string            `json:"profile"`
	Client  models.ClientInfo `json:"client"`
}

type Engine struct {
	registry   *registry.Registry
	policies   PolicyStore
	pending    PendingStore
	pendingTTL time.Duration
	now        func() time.Time
	log        zerolog.Logger

	// guards fallback, which SetPolicy replaces when there is no policy store
	mu       sync.RWMutex
	fallback Policy
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithPendingTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pendingTTL = d
		}
	}
}

// WithPendingStore keeps pending conflicts somewhere other than this process's memory.
func WithPendingStore(store PendingStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.pending = store
		}
	}
}

func NewEngine(reg *registry.Registry, policies PolicyStore, fallback Policy, log zerolog.Logger, opts ...Option) *Engine {
	if _, err := ParsePolicy(string(fallback)); err != nil {
		fallback = PolicyPrevent
	}
	e := &Engine{
		registry:   reg,
		policies:   policies,
		pending:    NewMemoryPendingStore(),
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
		log:        log,
		fallback:   fallback,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active policy, falling back to the configured one when the store has
// none or cannot be read.
func (e *Engine) Policy(ctx context.Context) Policy {
	if e.policies == nil {
		return e.fallbackPolicy()
	}
	p, err := e.policies.Get(ctx)
	if err != nil {
		if !errors.Is(err, ErrPolicyUnset) {
			e.log.Warn().Err(err).Msg("read conflict policy failed, using fallback")
		}
		return e.fallbackPolicy()
	}
	if _, err := ParsePolicy(string(p)); err != nil {
		return e.fallbackPolicy()
	}
	return p
}

func (e *Engine) fallbackPolicy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallback
}

func (e *Engine) SetPolicy(ctx context.Context, p Policy) error {
	if _, err := ParsePolicy(string(p)); err != nil {
		return err
	}
	if e.policies == nil {
		e.mu.Lock()
		e.fallback = p
		e.mu.Unlock()
		e.log.Info().Str("policy", string(p)).Msg("conflict policy changed")
		return nil
	}
	if err := e.policies.Set(ctx, p); err != nil {
		return fmt.Errorf("store conflict policy: %w", err)
	}
	e.log.Info().Str("policy", string(p)).Msg("conflict policy changed")
	return nil
}

// Admit decides whether snapshot, whose credentials were just validated, gets a session.
// The returned error is reserved for registry failures; rejections are outcomes.
func (e *Engine) Admit(ctx context.Context, snapshot models.Snapshot, req Request) (models.Outcome, error) {
	policy := e.Policy(ctx)

	var outcome models.Outcome
	err := e.registry.Exclusive(ctx, registry.NamespaceRegular, func() error {
		existing, err := e.existingFor(ctx, snapshot.Name)
		if err != nil {
			return err
		}

		if len(existing) == 0 {
			outcome, err = e.create(ctx, snapshot, req)
			return err
		}

		switch policy {
		case PolicyForce:
			outcome, err = e.forceLogin(ctx, snapshot, existing, req)
			return err
		case PolicyAsk:
			ticket := ids.NewTicket()
			err := e.pending.Put(ctx, req.Client.ID, Pending{
				Snapshot:     snapshot,
				Existing:     existing,
				Request:      req,
				CreatedAt:    e.now(),
				TicketDigest: TicketDigest(ticket),
			}, e.pendingTTL)
			if err != nil {
				return fmt.Errorf("park conflict: %w", err)
			}
			outcome = models.Outcome{
				Kind:     models.OutcomeConflictChoiceRequired,
				Identity: snapshot.Name,
				Existing: models.Summarize(existing, e.now()),
				Ticket:   ticket,
			}
			return nil
		default:
			outcome = e.prevented(snapshot.Name, existing)
			return nil
		}
	})
	if err != nil {
		return models.Outcome{}, err
	}
	return outcome, nil
}

// Resolve consumes the pending conflict of clientID exactly once. The ticket returned when
// the conflict was parked must be presented; without it nothing is consumed.
func (e *Engine) Resolve(ctx context.Context, clientID, ticket string, action Action) (models.Outcome, error) {
	if ticket == "" {
		return models.Outcome{Kind: models.OutcomeNoPendingConflict}, nil
	}
	p, ok, err := e.pending.Take(ctx, clientID, TicketDigest(ticket))
	if err != nil {
		return models.Outcome{}, fmt.Errorf("take pending conflict: %w", err)
	}
	if !ok || e.expired(p) {
		return models.Outcome{Kind: models.OutcomeNoPendingConflict}, nil
	}

	switch action {
	case ActionCancel:
		e.log.Info().Str("identity", p.Snapshot.Name).Msg("conflicting login cancelled")
		return models.Outcome{Kind: models.OutcomeUserCancelled, Identity: p.Snapshot.Name}, nil
	case ActionForce:
		var outcome models.Outcome
		err := e.registry.Exclusive(ctx, registry.NamespaceRegular, func() error {
			var err error
			outcome, err = e.forceLogin(ctx, p.Snapshot, p.Existing, p.Request)
			return err
		})
		if err != nil {
			return models.Outcome{}, err
		}
		return outcome, nil
	default:
		return e.prevented(p.Snapshot.Name, p.Existing), nil
	}
}

// Pending reports whether clientID has a conflict awaiting a decision.
func (e *Engine) Pending(ctx context.Context, clientID string) bool {
	p, ok, err := e.pending.Get(ctx, clientID)
	if err != nil {
		e.log.Warn().Err(err).Str("client_id", clientID).Msg("read pending conflict failed")
		return false
	}
	return ok && !e.expired(p)
}

func (e *Engine) expired(p Pending) bool {
	return e.now().Sub(p.CreatedAt) >= e.pendingTTL
}

// Discard drops the pending conflict of clientID, if any.
func (e *Engine) Discard(ctx context.Context, clientID string) {
	if err := e.pending.Delete(ctx, clientID); err != nil {
		e.log.Warn().Err(err).Str("client_id", clientID).Msg("discard pending conflict failed")
	}
}

func (e *Engine) existingFor(ctx context.Context, identity string) ([]models.Session, error) {
	sessions, err := e.registry.SessionsFor(ctx, identity)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if !s.Shared {
			out = append(out, s)
		}
	}
	return out, nil
}

// forceLogin terminates the given sessions and creates the new one. Must run under the
// regular namespace lock.
func (e *Engine) forceLogin(ctx context.Context, snapshot models.Snapshot, existing []models.Session, req Request) (models.Outcome, error) {
	still, err := e.existingFor(ctx, snapshot.Name)
	if err != nil {
		return models.Outcome{}, err
	}
	valid := make(map[string]bool, len(still))
	for _, s := range still {
		valid[s.ID] = true
	}

	terminated := 0
	for _, s := range existing {
		if err := e.registry.Remove(ctx, s.ID); err != nil {
			return models.Outcome{}, err
		}
		if valid[s.ID] {
			terminated++
		}
	}

	e.log.Info().
		Str("identity", snapshot.Name).
		Int("terminated", terminated).
		Msg("forced logout of existing sessions")

	outcome, err := e.create(ctx, snapshot, req)
	if err != nil {
		return models.Outcome{}, err
	}
	outcome.ForcedLogout = true
	outcome.TerminatedSessions = terminated
	return outcome, nil
}

func (e *Engine) create(ctx context.Context, snapshot models.Snapshot, req Request) (models.Outcome, error) {
	session, err := e.registry.Create(ctx, snapshot, req.Profile, req.Client)
	if err != nil {
		return models.Outcome{}, err
	}
	return models.Outcome{
		Kind:     models.OutcomeSuccess,
		Identity: snapshot.Name,
		Session:  &session,
	}, nil
}

func (e *Engine) prevented(identity string, existing []models.Session) models.Outcome {
	e.log.Info().
		Str("identity", identity).
		Int("existing", len(existing)).
		Msg("login prevented by existing session")
	return models.Outcome{
		Kind:     models.OutcomeSessionConflict,
		Identity: identity,
		Existing: models.Summarize(existing, e.now()),
	}
}

type DuplicateIdentity struct {
	Identity     string `json:"identity"`
	SessionCount int    `json:"sessionCount"`
}

type Stats struct {
	TotalIdentities int                 `json:"totalIdentities"`
	TotalSessions   int                 `json:"totalSessions"`
	Duplicates      []DuplicateIdentity `json:"duplicates"`
	HasDuplicates   bool                `json:"hasDuplicates"`
}

// Stats reports identities that currently hold more than one session.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	active, err := e.registry.ListActive(ctx)
	if err != nil {
		return Stats{}, err
	}

	counts := make(map[string]int)
	for _, s := range active {
		counts[s.Identity]++
	}

	stats := Stats{
		TotalIdentities: len(counts),
		TotalSessions:   len(active),
		Duplicates:      []DuplicateIdentity{},
	}
	for identity, n := range counts {
		if n > 1 {
			stats.Duplicates = append(stats.Duplicates, DuplicateIdentity{Identity: identity, SessionCount: n})
		}
	}
	sort.Slice(stats.Duplicates, func(i, j int) bool {
		return stats.Duplicates[i].Identity < stats.Duplicates[j].Identity
	})
	stats.HasDuplicates = len(stats.Duplicates) > 0
	return stats, nil
}
