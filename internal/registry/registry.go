// Package registry owns the table of issued sessions. It is the only component that
// mutates session state; everything else reads through it or asks it to create and remove.
package registry

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
)

const DefaultSessionDuration = 24 * time.Hour

type Registry struct {
	store           Store
	hub             *Hub
	defaultDuration time.Duration
	now             func() time.Time
	log             zerolog.Logger

	// mu serialises every mutation of the table inside this process.
	mu sync.Mutex
	// nsLocks make check-then-act sequences atomic per namespace.
	nsLocks map[Namespace]*sync.Mutex
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithDefaultDuration(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultDuration = d
		}
	}
}

func WithHub(h *Hub) Option {
	return func(r *Registry) {
		if h != nil {
			r.hub = h
		}
	}
}

func New(store Store, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:           store,
		defaultDuration: DefaultSessionDuration,
		now:             time.Now,
		log:             log,
		nsLocks: map[Namespace]*sync.Mutex{
			NamespaceRegular: {},
			NamespaceShared:  {},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hub == nil {
		r.hub = NewHub(ids.New())
	}
	return r
}

func (r *Registry) Hub() *Hub {
	return r.hub
}

// Subscribe returns a channel of change notifications and a function that cancels it.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.hub.Subscribe(32)
}

// Exclusive runs fn holding the namespace lock, locally and in the store.
func (r *Registry) Exclusive(ctx context.Context, ns Namespace, fn func() error) error {
	local, ok := r.nsLocks[ns]
	if !ok {
		return fmt.Errorf("unknown namespace %q", ns)
	}
	local.Lock()
	defer local.Unlock()

	unlock, err := r.store.Lock(ctx, ns)
	if err != nil {
		return fmt.Errorf("lock %s namespace: %w", ns, err)
	}
	defer unlock()

	return fn()
}

// Create issues a session for snapshot, lasting the resolved duration profile, and makes it
// current for the requesting client.
func (r *Registry) Create(ctx context.Context, snapshot models.Snapshot, profile string, client models.ClientInfo) (models.Session, error) {
	profileName, duration, ok := snapshot.Durations.Resolve(profile, snapshot.DefaultProfile, snapshot.MaxProfile)
	if !ok {
		profileName, duration = models.FallbackProfile, r.defaultDuration
	}

	now := r.now()
	session := models.Session{
		ID:              ids.NewSessionID(),
		Identity:        snapshot.Name,
		Role:            snapshot.Role,
		Capabilities:    append([]string(nil), snapshot.Capabilities...),
		APIAccess:       snapshot.APIAccess,
		Shared:          snapshot.Shared,
		Kind:            snapshot.Kind,
		LoginAt:         now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(duration),
		DurationProfile: profileName,
		Duration:        duration,
		Client:          client,
		Active:          true,
	}

	r.mu.Lock()
	if err := r.store.Put(ctx, session); err != nil {
		r.mu.Unlock()
		return models.Session{}, fmt.Errorf("store session: %w", err)
	}
	if client.ID != "" {
		if err := r.store.SetCurrent(ctx, client.ID, session.ID); err != nil {
			r.log.Warn().Err(err).Str("session_id", session.ID).Msg("set current session failed")
		}
	}
	r.mu.Unlock()

	r.log.Debug().
		Str("session_id", session.ID).
		Str("identity", session.Identity).
		Str("profile", profileName).
		Time("expires_at", session.ExpiresAt).
		Msg("session created")

	r.hub.Publish(Event{
		Kind:      EventCreated,
		SessionID: session.ID,
		Identity:  session.Identity,
		ClientID:  client.ID,
		At:        now,
	})
	return session, nil
}

// Get returns a valid session and refreshes its last activity. An invalid session found
// here is removed on the spot.
func (r *Registry) Get(ctx context.Context, id string) (models.Session, bool, error) {
	session, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}

	now := r.now()
	if !session.Valid(now) {
		if err := r.remove(ctx, id, EventExpired); err != nil {
			r.log.Warn().Err(err).Str("session_id", id).Msg("lazy expiry failed")
		}
		return models.Session{}, false, nil
	}

	touched, err := r.store.Touch(ctx, id, now)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("touch session failed")
	} else if !touched {
		// removed concurrently
		return models.Session{}, false, nil
	}
	session.LastActivityAt = now
	return session, true, nil
}

// ListActive returns every valid session, oldest login first.
func (r *Registry) ListActive(ctx context.Context) ([]models.Session, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := r.now()
	out := make([]models.Session, 0, len(all))
	for _, s := range all {
		if s.Valid(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoginAt.Equal(out[j].LoginAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LoginAt.Before(out[j].LoginAt)
	})
	return out, nil
}

// SessionsFor returns the valid sessions owned by identity.
func (r *Registry) SessionsFor(ctx context.Context, identity string) ([]models.Session, error) {
	return r.filter(ctx, func(s models.Session) bool { return s.Identity == identity })
}

// ForClient returns the valid sessions issued to clientID.
func (r *Registry) ForClient(ctx context.Context, clientID string) ([]models.Session, error) {
	return r.filter(ctx, func(s models.Session) bool { return s.Client.ID == clientID })
}

func (r *Registry) filter(ctx context.Context, keep func(models.Session) bool) ([]models.Session, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, s := range active {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Remove deletes a session. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.remove(ctx, id, EventRemoved)
}

func (r *Registry) remove(ctx context.Context, id string, kind EventKind) error {
	r.mu.Lock()
	session, _ := r.store.Get(ctx, id)
	deleted, err := r.store.Delete(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		r.mu.Unlock()
		return nil
	}
	if _, err := r.store.ClearCurrent(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("clear current pointer failed")
	}
	r.mu.Unlock()

	r.hub.Publish(Event{
		Kind:      kind,
		SessionID: id,
		Identity:  session.Identity,
		ClientID:  session.Client.ID,
		Count:     1,
		At:        r.now(),
	})
	return nil
}

// RemoveAllFor deletes every session owned by identity and returns how many were valid.
func (r *Registry) RemoveAllFor(ctx context.Context, identity string) (int, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	now := r.now()
	removed := 0
	for _, s := range all {
		if s.Identity != identity {
			continue
		}
		if err := r.Remove(ctx, s.ID); err != nil {
			return removed, err
		}
		if s.Valid(now) {
			removed++
		}
	}
	return removed, nil
}

// SweepExpired physically removes every session that is no longer valid.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	all, err := r.store.List(ctx)
	if err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	now := r.now()
	removed := 0
	for _, s := range all {
		if s.Valid(now) {
			continue
		}
		deleted, err := r.store.Delete(ctx, s.ID)
		if err != nil {
			r.mu.Unlock()
			return removed, fmt.Errorf("delete session %s: %w", s.ID, err)
		}
		if !deleted {
			continue
		}
		if _, err := r.store.ClearCurrent(ctx, s.ID); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Msg("clear current pointer failed")
		}
		removed++
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("expired sessions swept")
		r.hub.Publish(Event{Kind: EventExpired, Count: removed, At: now})
	}
	return removed, nil
}

// Current returns the session designated current for clientID, if it is still valid.
func (r *Registry) Current(ctx context.Context, clientID string) (models.Session, bool, error) {
	if clientID == "" {
		return models.Session{}, false, nil
	}
	id, err := r.store.CurrentFor(ctx, clientID)
	if err != nil {
		return models.Session{}, false, fmt.Errorf("read current session: %w", err)
	}
	if id == "" {
		return models.Session{}, false, nil
	}
	return r.Get(ctx, id)
}

// SetCurrent designates id as the current session of clientID.
func (r *Registry) SetCurrent(ctx context.Context, clientID string, id string) error {
	r.mu.Lock()
	err := r.store.SetCurrent(ctx, clientID, id)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set current session: %w", err)
	}

	r.hub.Publish(Event{
		Kind:      EventSwitched,
		SessionID: id,
		ClientID:  clientID,
		At:        r.now(),
	})
	return nil
}

type IdentityStats struct {
	Count        int       `json:"count"`
	LastActivity time.Time `json:"lastActivity"`
}

type Stats struct {
	TotalSessions    int                      `json:"totalSessions"`
	UniqueIdentities int                      `json:"uniqueIdentities"`
	PerIdentity      map[string]IdentityStats `json:"perIdentity"`
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalSessions: len(active),
		PerIdentity:   make(map[string]IdentityStats),
	}
	for _, s := range active {
		entry := stats.PerIdentity[s.Identity]
		entry.Count++
		if s.LastActivityAt.After(entry.LastActivity) {
			entry.LastActivity = s.LastActivityAt
		}
		stats.PerIdentity[s.Identity] = entry
	}
	stats.UniqueIdentities = len(stats.PerIdentity)
	return stats, nil
}

func (r *Registry) Now() time.Time {
	return r.now()
}
