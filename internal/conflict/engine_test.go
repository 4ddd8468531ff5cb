package conflict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiongate/internal/models"
	"sessiongate/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingPolicyStore struct{}

func (failingPolicyStore) Get(context.Context) (Policy, error) {
	return "", errors.New("connection refused")
}

func (failingPolicyStore) Set(context.Context, Policy) error {
	return errors.New("connection refused")
}

func newTestEngine(fallback Policy) (*Engine, *registry.Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.NewMemoryStore(), zerolog.Nop(), registry.WithClock(clock.Now))
	engine := NewEngine(reg, NewMemoryPolicyStore(), fallback, zerolog.Nop(), WithClock(clock.Now))
	return engine, reg, clock
}

func snapshot(name string) models.Snapshot {
	return models.Snapshot{
		Name: name,
		Role: models.RoleUser,
		Durations: models.DurationProfiles{
			"1hour":  time.Hour,
			"8hours": 8 * time.Hour,
		},
		DefaultProfile: "8hours",
		MaxProfile:     "8hours",
	}
}

func request(clientID string) Request {
	return Request{Profile: "1hour", Client: models.ClientInfo{ID: clientID, UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0", Platform: "Win32"}}
}

func TestParsePolicy(t *testing.T) {
	for _, raw := range []string{"prevent", "FORCE", " ask "} {
		_, err := ParsePolicy(raw)
		assert.NoError(t, err, raw)
	}
	_, err := ParsePolicy("maybe")
	assert.Error(t, err)
}

func TestEngineAdmit(t *testing.T) {
	ctx := context.Background()

	t.Run("NoExistingSessionsAlwaysAdmits", func(t *testing.T) {
		for _, p := range []Policy{PolicyPrevent, PolicyForce, PolicyAsk} {
			engine, _, _ := newTestEngine(p)
			out, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeSuccess, out.Kind, p)
			require.NotNil(t, out.Session)
			assert.False(t, out.ForcedLogout)
		}
	})

	t.Run("PreventReportsExistingSessions", func(t *testing.T) {
		engine, reg, _ := newTestEngine(PolicyPrevent)
		first, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)

		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSessionConflict, out.Kind)
		require.Len(t, out.Existing, 1)
		assert.Equal(t, first.Session.ID, out.Existing[0].ID)
		assert.Equal(t, "Chrome on Windows", out.Existing[0].Browser)

		sessions, err := reg.SessionsFor(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
	})

	t.Run("ForceTerminatesExisting", func(t *testing.T) {
		engine, reg, _ := newTestEngine(PolicyForce)
		first, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)

		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
		assert.True(t, out.ForcedLogout)
		assert.Equal(t, 1, out.TerminatedSessions)

		_, ok, err := reg.Get(ctx, first.Session.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		sessions, err := reg.SessionsFor(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, out.Session.ID, sessions[0].ID)
	})

	t.Run("OtherIdentitiesAreUnaffected", func(t *testing.T) {
		engine, _, _ := newTestEngine(PolicyPrevent)
		_, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)

		out, err := engine.Admit(ctx, snapshot("bob"), request("tab-2"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
	})

	t.Run("SharedSessionsAreIgnored", func(t *testing.T) {
		engine, reg, _ := newTestEngine(PolicyPrevent)
		shared := snapshot("alice")
		shared.Shared = true
		_, err := reg.Create(ctx, shared, "", models.ClientInfo{ID: "kiosk"})
		require.NoError(t, err)

		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
	})

	t.Run("ExpiredSessionsDoNotConflict", func(t *testing.T) {
		engine, _, clock := newTestEngine(PolicyPrevent)
		_, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
	})

	t.Run("UnreadablePolicyUsesFallback", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		reg := registry.New(registry.NewMemoryStore(), zerolog.Nop(), registry.WithClock(clock.Now))
		engine := NewEngine(reg, failingPolicyStore{}, PolicyPrevent, zerolog.Nop(), WithClock(clock.Now))

		assert.Equal(t, PolicyPrevent, engine.Policy(ctx))
		_, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)
		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSessionConflict, out.Kind)
	})

	t.Run("PolicyChangeTakesEffect", func(t *testing.T) {
		engine, _, _ := newTestEngine(PolicyPrevent)
		_, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)

		require.NoError(t, engine.SetPolicy(ctx, PolicyForce))
		assert.Equal(t, PolicyForce, engine.Policy(ctx))

		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		assert.True(t, out.ForcedLogout)

		assert.Error(t, engine.SetPolicy(ctx, Policy("sometimes")))
	})
}

func TestEngineResolve(t *testing.T) {
	ctx := context.Background()

	askConflict := func(t *testing.T) (*Engine, *registry.Registry, *fakeClock, models.Session, string) {
		t.Helper()
		engine, reg, clock := newTestEngine(PolicyAsk)
		first, err := engine.Admit(ctx, snapshot("alice"), request("tab-1"))
		require.NoError(t, err)

		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		require.Equal(t, models.OutcomeConflictChoiceRequired, out.Kind)
		require.Len(t, out.Existing, 1)
		require.NotEmpty(t, out.Ticket)
		require.True(t, engine.Pending(ctx, "tab-2"))
		return engine, reg, clock, *first.Session, out.Ticket
	}

	t.Run("ForceAdmitsPendingLogin", func(t *testing.T) {
		engine, reg, _, first, ticket := askConflict(t)

		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
		assert.True(t, out.ForcedLogout)
		assert.Equal(t, 1, out.TerminatedSessions)
		require.NotNil(t, out.Session)
		assert.Equal(t, "1hour", out.Session.DurationProfile)
		assert.Equal(t, "tab-2", out.Session.Client.ID)

		_, ok, err := reg.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CancelLeavesSessionsUntouched", func(t *testing.T) {
		engine, reg, _, first, ticket := askConflict(t)

		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionCancel)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUserCancelled, out.Kind)

		_, ok, err := reg.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ConsumedOnce", func(t *testing.T) {
		engine, _, _, _, ticket := askConflict(t)

		_, err := engine.Resolve(ctx, "tab-2", ticket, ActionCancel)
		require.NoError(t, err)

		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
		assert.False(t, engine.Pending(ctx, "tab-2"))
	})

	t.Run("NothingPending", func(t *testing.T) {
		engine, _, _ := newTestEngine(PolicyAsk)
		out, err := engine.Resolve(ctx, "tab-9", "ct_whatever", ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
	})

	t.Run("WrongTicketConsumesNothing", func(t *testing.T) {
		engine, reg, _, first, ticket := askConflict(t)

		for _, guess := range []string{"", "ct_guess", ticket + "x"} {
			out, err := engine.Resolve(ctx, "tab-2", guess, ActionForce)
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind, guess)
		}
		_, ok, err := reg.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionCancel)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUserCancelled, out.Kind)
	})

	t.Run("TicketIsBoundToItsClient", func(t *testing.T) {
		engine, _, _, _, ticket := askConflict(t)

		out, err := engine.Resolve(ctx, "tab-1", ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
		assert.True(t, engine.Pending(ctx, "tab-2"))
	})

	t.Run("UnknownActionPrevents", func(t *testing.T) {
		engine, reg, _, first, ticket := askConflict(t)

		out, err := engine.Resolve(ctx, "tab-2", ticket, Action("later"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSessionConflict, out.Kind)
		require.Len(t, out.Existing, 1)

		_, ok, err := reg.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("PendingExpires", func(t *testing.T) {
		engine, _, clock, _, ticket := askConflict(t)
		clock.Advance(DefaultPendingTTL)

		assert.False(t, engine.Pending(ctx, "tab-2"))
		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
	})

	t.Run("NewerConflictReplacesOlder", func(t *testing.T) {
		engine, _, _, _, stale := askConflict(t)
		out, err := engine.Admit(ctx, snapshot("alice"), request("tab-2"))
		require.NoError(t, err)
		require.Equal(t, models.OutcomeConflictChoiceRequired, out.Kind)
		assert.NotEqual(t, stale, out.Ticket)

		res, err := engine.Resolve(ctx, "tab-2", stale, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, res.Kind)

		res, err = engine.Resolve(ctx, "tab-2", out.Ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, res.Kind)
	})

	t.Run("Discard", func(t *testing.T) {
		engine, _, _, _, ticket := askConflict(t)
		engine.Discard(ctx, "tab-2")

		assert.False(t, engine.Pending(ctx, "tab-2"))
		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
	})

	t.Run("ForceCountsOnlyStillValidSessions", func(t *testing.T) {
		engine, reg, _, first, ticket := askConflict(t)
		require.NoError(t, reg.Remove(ctx, first.ID))

		out, err := engine.Resolve(ctx, "tab-2", ticket, ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
		assert.Equal(t, 0, out.TerminatedSessions)
	})
}

// Two engines sharing a pending store behave like two processes behind a load balancer:
// a conflict parked by one is resolved through the other.
func TestEngineResolveAcrossEngines(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.NewMemoryStore(), zerolog.Nop(), registry.WithClock(clock.Now))
	policies := NewMemoryPolicyStore()
	require.NoError(t, policies.Set(ctx, PolicyAsk))
	shared := NewMemoryPendingStore()

	first := NewEngine(reg, policies, PolicyPrevent, zerolog.Nop(), WithClock(clock.Now), WithPendingStore(shared))
	second := NewEngine(reg, policies, PolicyPrevent, zerolog.Nop(), WithClock(clock.Now), WithPendingStore(shared))

	_, err := first.Admit(ctx, snapshot("alice"), request("tab-1"))
	require.NoError(t, err)
	out, err := first.Admit(ctx, snapshot("alice"), request("tab-2"))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeConflictChoiceRequired, out.Kind)

	assert.True(t, second.Pending(ctx, "tab-2"))
	res, err := second.Resolve(ctx, "tab-2", out.Ticket, ActionForce)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Kind)
	assert.False(t, first.Pending(ctx, "tab-2"))
}

func TestMemoryPendingStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPendingStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	p := Pending{Snapshot: snapshot("alice"), TicketDigest: TicketDigest("ct_one")}
	require.NoError(t, store.Put(ctx, "tab-1", p, time.Minute))

	_, ok, err := store.Take(ctx, "tab-1", TicketDigest("ct_two"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := store.Get(ctx, "tab-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Snapshot.Name)

	now = now.Add(time.Minute)
	_, ok, err = store.Take(ctx, "tab-1", TicketDigest("ct_one"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.Len())

	require.NoError(t, store.Put(ctx, "tab-2", p, time.Minute))
	require.NoError(t, store.Put(ctx, "tab-3", p, time.Hour))
	now = now.Add(2 * time.Minute)
	require.NoError(t, store.Put(ctx, "tab-4", p, time.Minute))
	assert.Equal(t, 2, store.Len())
}

func TestSetPolicyWithoutStoreIsSafeForConcurrentUse(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.NewMemoryStore(), zerolog.Nop())
	engine := NewEngine(reg, nil, PolicyPrevent, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p := PolicyForce
			if i%2 == 0 {
				p = PolicyAsk
			}
			assert.NoError(t, engine.SetPolicy(ctx, p))
		}(i)
		go func() {
			defer wg.Done()
			assert.Contains(t, []Policy{PolicyPrevent, PolicyForce, PolicyAsk}, engine.Policy(ctx))
		}()
	}
	wg.Wait()

	require.NoError(t, engine.SetPolicy(ctx, PolicyAsk))
	assert.Equal(t, PolicyAsk, engine.Policy(ctx))
}

func TestEngineConcurrentAdmit(t *testing.T) {
	ctx := context.Background()
	engine, reg, _ := newTestEngine(PolicyPrevent)

	var wg sync.WaitGroup
	results := make([]models.Outcome, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := engine.Admit(ctx, snapshot("alice"), request("tab"))
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, out := range results {
		if out.Kind == models.OutcomeSuccess {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)

	sessions, err := reg.SessionsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	engine, reg, _ := newTestEngine(PolicyPrevent)

	for _, client := range []string{"a", "b"} {
		_, err := reg.Create(ctx, snapshot("alice"), "", models.ClientInfo{ID: client})
		require.NoError(t, err)
	}
	_, err := reg.Create(ctx, snapshot("bob"), "", models.ClientInfo{ID: "c"})
	require.NoError(t, err)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalIdentities)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.True(t, stats.HasDuplicates)
	require.Len(t, stats.Duplicates, 1)
	assert.Equal(t, DuplicateIdentity{Identity: "alice", SessionCount: 2}, stats.Duplicates[0])
}
