package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sessiongate/internal/conflict"
	"sessiongate/internal/lockout"
	"sessiongate/internal/metrics"
	"sessiongate/internal/models"
	"sessiongate/internal/registry"
	"sessiongate/internal/security"
	"sessiongate/internal/selector"
	"sessiongate/internal/universal"
)

const DefaultLookupTimeout = 3 * time.Second

// CredentialStore is the account source the service authenticates against.
type CredentialStore interface {
	Lookup(ctx context.Context, name string) (models.Identity, error)
	RecordLoginSuccess(ctx context.Context, name string, at time.Time) error
	LookupShared(ctx context.Context, name string) (models.SharedAccount, error)
	RecordSharedAccess(ctx context.Context, name string, at time.Time) error
	SharedAccounts(ctx context.Context) ([]models.SharedAccount, error)
}

type AuthService struct {
	credentials   CredentialStore
	guard         *lockout.Guard
	registry      *registry.Registry
	engine        *conflict.Engine
	limiter       *universal.Limiter
	selector      *selector.Selector
	tokens        *security.TokenIssuer
	metrics       *metrics.Metrics
	lookupTimeout time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

type Option func(*AuthService)

func WithLookupTimeout(d time.Duration) Option {
	return func(s *AuthService) {
		if d > 0 {
			s.lookupTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		s.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AuthService) {
		s.metrics = m
	}
}

// WithTokens enables bearer tokens on successful logins.
func WithTokens(t *security.TokenIssuer) Option {
	return func(s *AuthService) {
		s.tokens = t
	}
}

func NewAuthService(
	credentials CredentialStore,
	guard *lockout.Guard,
	reg *registry.Registry,
	engine *conflict.Engine,
	limiter *universal.Limiter,
	sel *selector.Selector,
	log zerolog.Logger,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		credentials:   credentials,
		guard:         guard,
		registry:      reg,
		engine:        engine,
		limiter:       limiter,
		selector:      sel,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
		log:           log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AuthRequest struct {
	Name            string
	Secret          string
	DurationProfile string
	Client          models.ClientInfo
}

// Authenticate runs the login chain: lockout gate, shared-account lookup and cap, identity
// lookup, secret verification, then the conflict policy. Rejections come back as outcomes;
// the error is reserved for failures of the session table itself.
func (s *AuthService) Authenticate(ctx context.Context, req AuthRequest) (models.Outcome, error) {
	defer s.metrics.TimeAuth()()

	outcome, err := s.authenticate(ctx, req)
	if err != nil {
		return models.Outcome{}, err
	}
	s.metrics.RecordOutcome(string(outcome.Kind))
	return outcome, nil
}

func (s *AuthService) authenticate(ctx context.Context, req AuthRequest) (models.Outcome, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.Secret == "" {
		return models.Outcome{Kind: models.OutcomeInvalidCredential}, nil
	}

	if s.guard.IsLockedOut(ctx, name) {
		return s.lockedOut(ctx, name), nil
	}

	account, err := s.lookupShared(ctx, name)
	switch {
	case err == nil:
		return s.authenticateShared(ctx, account, req)
	case errors.Is(err, models.ErrSharedAccountNotFound):
	default:
		return s.unavailable(name, "shared lookup", err), nil
	}

	identity, err := s.lookup(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrIdentityNotFound) {
			security.BurnVerify(req.Secret)
			return s.invalid(ctx, name), nil
		}
		return s.unavailable(name, "identity lookup", err), nil
	}

	if !s.verify(name, req.Secret, identity.SecretHash) {
		return s.invalid(ctx, name), nil
	}
	s.clearLockout(ctx, name)

	outcome, err := s.engine.Admit(ctx, identity.Snapshot(), conflict.Request{
		Profile: req.DurationProfile,
		Client:  req.Client,
	})
	if err != nil {
		return models.Outcome{}, fmt.Errorf("admit %s: %w", name, err)
	}
	return s.complete(ctx, outcome)
}

func (s *AuthService) authenticateShared(ctx context.Context, account models.SharedAccount, req AuthRequest) (models.Outcome, error) {
	// Unknown names and wrong shared secrets are indistinguishable to the caller.
	if !s.verify(account.Name, req.Secret, account.SecretHash) {
		return s.invalid(ctx, account.Name), nil
	}
	s.clearLockout(ctx, account.Name)

	outcome, err := s.limiter.Admit(ctx, account, universal.Request{
		Profile: req.DurationProfile,
		Client:  req.Client,
	})
	if err != nil {
		return models.Outcome{}, fmt.Errorf("admit shared %s: %w", account.Name, err)
	}
	return s.complete(ctx, outcome)
}

// ResolvePendingConflict applies the client's decision to its pending conflict. ticket is the
// one returned with the conflict; a missing or wrong ticket reads as nothing pending.
func (s *AuthService) ResolvePendingConflict(ctx context.Context, clientID, ticket string, action conflict.Action) (models.Outcome, error) {
	outcome, err := s.engine.Resolve(ctx, clientID, ticket, action)
	if err != nil {
		return models.Outcome{}, err
	}
	outcome, err = s.complete(ctx, outcome)
	if err != nil {
		return models.Outcome{}, err
	}
	s.metrics.RecordOutcome(string(outcome.Kind))
	return outcome, nil
}

// complete finishes a successful admission: login bookkeeping and the bearer token.
func (s *AuthService) complete(ctx context.Context, outcome models.Outcome) (models.Outcome, error) {
	if !outcome.Succeeded() || outcome.Session == nil {
		return outcome, nil
	}
	session := *outcome.Session
	s.metrics.AddForcedTerminations(outcome.TerminatedSessions)

	if !session.Shared {
		lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		if err := s.credentials.RecordLoginSuccess(lookupCtx, session.Identity, session.LoginAt); err != nil {
			s.log.Warn().Err(err).Str("identity", session.Identity).Msg("record login success failed")
		}
		cancel()
	}

	if s.tokens != nil {
		token, err := s.tokens.Issue(session)
		if err != nil {
			if rmErr := s.registry.Remove(ctx, session.ID); rmErr != nil {
				s.log.Error().Err(rmErr).Str("session_id", session.ID).Msg("remove untokened session failed")
			}
			return models.Outcome{}, fmt.Errorf("issue token: %w", err)
		}
		outcome.Token = token
	}

	s.log.Info().
		Str("identity", session.Identity).
		Str("session_id", session.ID).
		Bool("shared", session.Shared).
		Bool("forced", outcome.ForcedLogout).
		Msg("login succeeded")
	return outcome, nil
}

func (s *AuthService) lookup(ctx context.Context, name string) (models.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	return s.credentials.Lookup(ctx, name)
}

func (s *AuthService) lookupShared(ctx context.Context, name string) (models.SharedAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	return s.credentials.LookupShared(ctx, name)
}

func (s *AuthService) verify(name, secret string, hash []byte) bool {
	ok, err := security.VerifySecret(secret, hash)
	if err != nil {
		s.log.Error().Err(err).Str("identity", name).Msg("stored secret hash unusable")
		return false
	}
	return ok
}

func (s *AuthService) invalid(ctx context.Context, name string) models.Outcome {
	locked, err := s.guard.RecordFailure(ctx, name)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", name).Msg("record failed attempt failed")
	}
	if locked {
		s.metrics.RecordLockout()
		return s.lockedOut(ctx, name)
	}
	return models.Outcome{Kind: models.OutcomeInvalidCredential}
}

func (s *AuthService) lockedOut(ctx context.Context, name string) models.Outcome {
	return models.Outcome{
		Kind:             models.OutcomeLockedOut,
		LockedUntil:      s.guard.LockoutEndsAt(ctx, name),
		LockoutRemaining: s.guard.Remaining(ctx, name),
	}
}

func (s *AuthService) unavailable(name, step string, err error) models.Outcome {
	s.log.Error().Err(err).Str("identity", name).Str("step", step).Msg("credential store unavailable")
	return models.Outcome{Kind: models.OutcomeStoreUnavailable, Retryable: true}
}

func (s *AuthService) clearLockout(ctx context.Context, name string) {
	if err := s.guard.Clear(ctx, name); err != nil {
		s.log.Warn().Err(err).Str("identity", name).Msg("clear lockout failed")
	}
}

// Session validates id and refreshes its activity.
func (s *AuthService) Session(ctx context.Context, id string) (models.Session, bool, error) {
	return s.registry.Get(ctx, id)
}

func (s *AuthService) SwitchSession(ctx context.Context, clientID, id string) (models.Session, bool, error) {
	return s.selector.SwitchTo(ctx, clientID, id)
}

func (s *AuthService) ListSessions(ctx context.Context, clientID string) ([]models.SessionView, error) {
	return s.selector.ListForSwitching(ctx, clientID)
}

func (s *AuthService) CurrentSession(ctx context.Context, clientID string) (models.Session, bool, error) {
	return s.selector.Current(ctx, clientID)
}

func (s *AuthService) TerminateSession(ctx context.Context, id string) error {
	return s.registry.Remove(ctx, id)
}

// TerminateAllFor force-logs-out identity everywhere and returns how many sessions ended.
func (s *AuthService) TerminateAllFor(ctx context.Context, identity string) (int, error) {
	n, err := s.registry.RemoveAllFor(ctx, identity)
	if err != nil {
		return n, err
	}
	s.metrics.AddForcedTerminations(n)
	s.log.Info().Str("identity", identity).Int("terminated", n).Msg("identity logged out everywhere")
	return n, nil
}

// Logout ends every session issued to clientID and drops its pending conflict.
func (s *AuthService) Logout(ctx context.Context, clientID string) (int, error) {
	s.engine.Discard(ctx, clientID)
	sessions, err := s.registry.ForClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	for _, session := range sessions {
		if err := s.registry.Remove(ctx, session.ID); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}

func (s *AuthService) Unlock(ctx context.Context, name string) error {
	if err := s.guard.Clear(ctx, name); err != nil {
		return err
	}
	s.log.Info().Str("identity", name).Msg("lockout cleared by administrator")
	return nil
}

type LockoutStatus struct {
	Identity    string        `json:"identity"`
	Locked      bool          `json:"locked"`
	LockedUntil time.Time     `json:"lockedUntil,omitempty"`
	Remaining   time.Duration `json:"remaining,omitempty"`
}

func (s *AuthService) Lockout(ctx context.Context, name string) LockoutStatus {
	return LockoutStatus{
		Identity:    name,
		Locked:      s.guard.IsLockedOut(ctx, name),
		LockedUntil: s.guard.LockoutEndsAt(ctx, name),
		Remaining:   s.guard.Remaining(ctx, name),
	}
}

func (s *AuthService) ConflictPolicy(ctx context.Context) conflict.Policy {
	return s.engine.Policy(ctx)
}

func (s *AuthService) SetConflictPolicy(ctx context.Context, raw string) (conflict.Policy, error) {
	p, err := conflict.ParsePolicy(raw)
	if err != nil {
		return "", err
	}
	if err := s.engine.SetPolicy(ctx, p); err != nil {
		return "", err
	}
	return p, nil
}

func (s *AuthService) SessionStats(ctx context.Context) (registry.Stats, error) {
	return s.registry.Stats(ctx)
}

func (s *AuthService) ConflictStats(ctx context.Context) (conflict.Stats, error) {
	return s.engine.Stats(ctx)
}

func (s *AuthService) SharedStats(ctx context.Context) ([]universal.AccountStats, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	accounts, err := s.credentials.SharedAccounts(lookupCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return s.limiter.Stats(ctx, accounts)
}

// AllSessions lists every valid session for administrators.
func (s *AuthService) AllSessions(ctx context.Context) ([]models.SessionView, error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return selector.Annotate(active, "", s.registry.Now()), nil
}
