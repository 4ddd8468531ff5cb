package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiongate/internal/conflict"
	"sessiongate/internal/lockout"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
	"sessiongate/internal/selector"
	"sessiongate/internal/universal"
)

var fastParams = security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

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

// stallingStore blocks every lookup until the caller gives up.
type stallingStore struct {
	*repository.MemoryCredentialStore
}

func (stallingStore) Lookup(ctx context.Context, _ string) (models.Identity, error) {
	<-ctx.Done()
	return models.Identity{}, ctx.Err()
}

func (stallingStore) LookupShared(ctx context.Context, _ string) (models.SharedAccount, error) {
	<-ctx.Done()
	return models.SharedAccount{}, ctx.Err()
}

type fixture struct {
	svc      *AuthService
	registry *registry.Registry
	guard    *lockout.Guard
	creds    *repository.MemoryCredentialStore
	clock    *fakeClock
	tokens   *security.TokenIssuer
}

func hash(t *testing.T, secret string) []byte {
	t.Helper()
	h, err := security.HashSecretWithParams(secret, fastParams)
	require.NoError(t, err)
	return h
}

func newFixture(t *testing.T, policy conflict.Policy, wrap func(*repository.MemoryCredentialStore) CredentialStore) *fixture {
	t.Helper()
	profiles := models.DurationProfiles{
		"15min":   15 * time.Minute,
		"1hour":   time.Hour,
		"8hours":  8 * time.Hour,
		"24hours": 24 * time.Hour,
	}
	creds := repository.NewMemoryCredentialStore(
		[]models.Identity{
			{Name: "alice", SecretHash: hash(t, "wonderland"), Role: models.RoleUser, Durations: profiles, DefaultProfile: "8hours", MaxProfile: "24hours"},
			{Name: "bob", SecretHash: hash(t, "builder"), Role: models.RoleUser, Durations: profiles, DefaultProfile: "8hours", MaxProfile: "24hours"},
		},
		[]models.SharedAccount{
			{Name: "kiosk", SecretHash: hash(t, "frontdesk"), Role: models.RoleGuest, Kind: "demo", MaxSessions: 2, Durations: profiles, DefaultProfile: "1hour"},
		},
	)

	var store CredentialStore = creds
	if wrap != nil {
		store = wrap(creds)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := zerolog.Nop()
	reg := registry.New(registry.NewMemoryStore(), log, registry.WithClock(clock.Now))
	guard := lockout.NewGuard(lockout.NewMemoryStore(), log, lockout.WithClock(clock.Now))
	engine := conflict.NewEngine(reg, conflict.NewMemoryPolicyStore(), policy, log, conflict.WithClock(clock.Now))
	limiter := universal.NewLimiter(reg, store, log, universal.WithClock(clock.Now))
	tokens := security.NewTokenIssuer("test-secret", 24*time.Hour, clock.Now)

	svc := NewAuthService(store, guard, reg, engine, limiter, selector.New(reg, log), log,
		WithClock(clock.Now),
		WithTokens(tokens),
		WithLookupTimeout(50*time.Millisecond),
	)
	return &fixture{svc: svc, registry: reg, guard: guard, creds: creds, clock: clock, tokens: tokens}
}

func login(name, secret, profile, client string) AuthRequest {
	return AuthRequest{
		Name:            name,
		Secret:          secret,
		DurationProfile: profile,
		Client:          models.ClientInfo{ID: client, UserAgent: "Mozilla/5.0 Chrome/120.0", Platform: "MacIntel"},
	}
}

func TestAuthenticateEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conflict.PolicyPrevent, nil)

	out, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "1hour", "tab-1"))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeSuccess, out.Kind)
	require.NotNil(t, out.Session)
	assert.Equal(t, int64(3600000), out.Session.ExpiresAt.Sub(out.Session.LoginAt).Milliseconds())
	assert.NoError(t, out.Err())

	claims, err := f.tokens.Parse(out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ID, claims.SessionID)

	alice, err := f.creds.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, alice.LastLoginAt)

	second, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "1hour", "tab-2"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSessionConflict, second.Kind)
	assert.ErrorIs(t, second.Err(), models.ErrSessionConflict)
	require.Len(t, second.Existing, 1)
	assert.Equal(t, out.Session.ID, second.Existing[0].ID)
	assert.Equal(t, "Chrome on macOS", second.Existing[0].Browser)
	assert.Equal(t, "1h 0m", second.Existing[0].TimeRemaining)
	assert.Empty(t, second.Token)
}

func TestAuthenticateLockout(t *testing.T) {
	ctx := context.Background()

	t.Run("LocksAfterFiveFailures", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyPrevent, nil)
		for i := 0; i < 4; i++ {
			out, err := f.svc.Authenticate(ctx, login("alice", "wrong", "", "tab"))
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeInvalidCredential, out.Kind)
		}

		out, err := f.svc.Authenticate(ctx, login("alice", "wrong", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeLockedOut, out.Kind)

		out, err = f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeLockedOut, out.Kind)
		assert.Equal(t, 15*time.Minute, out.LockoutRemaining)
		assert.Equal(t, f.clock.Now().Add(15*time.Minute), out.LockedUntil)

		f.clock.Advance(15 * time.Minute)
		out, err = f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, out.Kind)
	})

	t.Run("UnknownIdentityCountsAsFailure", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyPrevent, nil)
		out, err := f.svc.Authenticate(ctx, login("mallory", "guess", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeInvalidCredential, out.Kind)
		assert.False(t, f.guard.IsLockedOut(ctx, "mallory"))
		assert.Equal(t, f.clock.Now().Add(15*time.Minute), f.guard.LockoutEndsAt(ctx, "mallory"))
	})

	t.Run("SuccessClearsFailures", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyPrevent, nil)
		for i := 0; i < 4; i++ {
			_, err := f.svc.Authenticate(ctx, login("alice", "wrong", "", "tab"))
			require.NoError(t, err)
		}
		out, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab"))
		require.NoError(t, err)
		require.Equal(t, models.OutcomeSuccess, out.Kind)

		out, err = f.svc.Authenticate(ctx, login("alice", "wrong", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeInvalidCredential, out.Kind)
	})

	t.Run("AdminUnlock", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyPrevent, nil)
		for i := 0; i < 5; i++ {
			_, err := f.svc.Authenticate(ctx, login("bob", "wrong", "", "tab"))
			require.NoError(t, err)
		}
		assert.True(t, f.svc.Lockout(ctx, "bob").Locked)

		require.NoError(t, f.svc.Unlock(ctx, "bob"))
		assert.False(t, f.svc.Lockout(ctx, "bob").Locked)
	})

	t.Run("EmptyCredentials", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyPrevent, nil)
		out, err := f.svc.Authenticate(ctx, login(" ", "", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeInvalidCredential, out.Kind)
	})
}

func TestAuthenticateStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conflict.PolicyPrevent, func(m *repository.MemoryCredentialStore) CredentialStore {
		return stallingStore{m}
	})

	for i := 0; i < 10; i++ {
		out, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeStoreUnavailable, out.Kind)
		assert.True(t, out.Retryable)
		assert.ErrorIs(t, out.Err(), models.ErrStoreUnavailable)
	}
	assert.False(t, f.guard.IsLockedOut(ctx, "alice"))
	assert.True(t, f.guard.LockoutEndsAt(ctx, "alice").IsZero())
}

func TestAuthenticateShared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conflict.PolicyPrevent, nil)

	for i := 0; i < 2; i++ {
		out, err := f.svc.Authenticate(ctx, login("kiosk", "frontdesk", "", "desk"))
		require.NoError(t, err)
		require.Equal(t, models.OutcomeSuccess, out.Kind)
		assert.True(t, out.Session.Shared)
		assert.Equal(t, "1hour", out.Session.DurationProfile)
	}

	out, err := f.svc.Authenticate(ctx, login("kiosk", "frontdesk", "", "desk"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeLimitReached, out.Kind)
	assert.Equal(t, 2, out.Current)
	assert.Equal(t, 2, out.Max)
	assert.ErrorIs(t, out.Err(), models.ErrConcurrencyLimitReached)

	out, err = f.svc.Authenticate(ctx, login("kiosk", "wrong", "", "desk"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalidCredential, out.Kind)

	stats, err := f.svc.SharedStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.True(t, stats[0].AtLimit)
	assert.Equal(t, 2, stats[0].TotalLogins)
}

func TestResolvePendingConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("CancelThenForce", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyAsk, nil)
		first, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-1"))
		require.NoError(t, err)

		out, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-2"))
		require.NoError(t, err)
		require.Equal(t, models.OutcomeConflictChoiceRequired, out.Kind)
		assert.ErrorIs(t, out.Err(), models.ErrConflictChoiceRequired)

		ticket := out.Ticket
		require.NotEmpty(t, ticket)
		out, err = f.svc.ResolvePendingConflict(ctx, "tab-2", ticket, conflict.ActionCancel)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUserCancelled, out.Kind)

		_, ok, err := f.svc.Session(ctx, first.Session.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		out, err = f.svc.ResolvePendingConflict(ctx, "tab-2", ticket, conflict.ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
	})

	t.Run("ForceIssuesToken", func(t *testing.T) {
		f := newFixture(t, conflict.PolicyAsk, nil)
		first, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-1"))
		require.NoError(t, err)
		pending, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-2"))
		require.NoError(t, err)

		out, err := f.svc.ResolvePendingConflict(ctx, "tab-2", "", conflict.ActionForce)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeNoPendingConflict, out.Kind)
		assert.Empty(t, out.Token)

		out, err = f.svc.ResolvePendingConflict(ctx, "tab-2", pending.Ticket, conflict.ActionForce)
		require.NoError(t, err)
		require.Equal(t, models.OutcomeSuccess, out.Kind)
		assert.Equal(t, 1, out.TerminatedSessions)
		assert.NotEmpty(t, out.Token)

		_, ok, err := f.svc.Session(ctx, first.Session.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestForcePolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conflict.PolicyPrevent, nil)

	_, err := f.svc.SetConflictPolicy(ctx, "force")
	require.NoError(t, err)
	assert.Equal(t, conflict.PolicyForce, f.svc.ConflictPolicy(ctx))

	_, err = f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-1"))
	require.NoError(t, err)
	out, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-2"))
	require.NoError(t, err)
	assert.True(t, out.ForcedLogout)
	assert.Equal(t, 1, out.TerminatedSessions)

	sessions, err := f.registry.SessionsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	_, err = f.svc.SetConflictPolicy(ctx, "whenever")
	assert.Error(t, err)
}

func TestSessionManagement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conflict.PolicyPrevent, nil)

	a, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-1"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	b, err := f.svc.Authenticate(ctx, login("bob", "builder", "", "tab-1"))
	require.NoError(t, err)

	views, err := f.svc.ListSessions(ctx, "tab-1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.True(t, views[1].Current)

	switched, ok, err := f.svc.SwitchSession(ctx, "tab-1", a.Session.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", switched.Identity)

	current, ok, err := f.svc.CurrentSession(ctx, "tab-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Session.ID, current.ID)

	_, ok, err = f.svc.SwitchSession(ctx, "tab-1", "sess_unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.svc.TerminateSession(ctx, b.Session.ID))
	require.NoError(t, f.svc.TerminateSession(ctx, b.Session.ID))

	n, err := f.svc.TerminateAllFor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := f.svc.AllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, conflict.PolicyPrevent, nil)

	_, err := f.svc.Authenticate(ctx, login("alice", "wonderland", "", "tab-1"))
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, login("bob", "builder", "", "tab-1"))
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, login("kiosk", "frontdesk", "", "tab-2"))
	require.NoError(t, err)

	n, err := f.svc.Logout(ctx, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := f.svc.SessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Contains(t, stats.PerIdentity, "kiosk")
}

func TestSharedStatsStoreFailure(t *testing.T) {
	f := newFixture(t, conflict.PolicyPrevent, func(m *repository.MemoryCredentialStore) CredentialStore {
		return brokenListing{m}
	})
	_, err := f.svc.SharedStats(context.Background())
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

type brokenListing struct {
	*repository.MemoryCredentialStore
}

func (brokenListing) SharedAccounts(context.Context) ([]models.SharedAccount, error) {
	return nil, errors.New("connection reset")
}
