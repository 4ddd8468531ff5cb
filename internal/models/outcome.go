package models

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrSharedAccountNotFound = errors.New("shared account not found")

	ErrInvalidCredential       = errors.New("invalid credential")
	ErrLockedOut               = errors.New("locked out")
	ErrSessionConflict         = errors.New("session conflict")
	ErrConflictChoiceRequired  = errors.New("conflict choice required")
	ErrConcurrencyLimitReached = errors.New("concurrency limit reached")
	ErrNoPendingConflict       = errors.New("no pending conflict")
	ErrUserCancelled           = errors.New("login cancelled")
	ErrStoreUnavailable        = errors.New("credential store unavailable")
)

type OutcomeKind string

const (
	OutcomeSuccess                OutcomeKind = "success"
	OutcomeInvalidCredential      OutcomeKind = "invalid_credential"
	OutcomeLockedOut              OutcomeKind = "locked_out"
	OutcomeSessionConflict        OutcomeKind = "session_conflict"
	OutcomeConflictChoiceRequired OutcomeKind = "session_conflict_choice"
	OutcomeLimitReached           OutcomeKind = "session_limit_reached"
	OutcomeUserCancelled          OutcomeKind = "user_cancelled"
	OutcomeNoPendingConflict      OutcomeKind = "no_pending_conflict"
	OutcomeStoreUnavailable       OutcomeKind = "store_unavailable"
)

// Outcome is the typed result of an authentication attempt or a conflict resolution.
// Every rejection carries the structured data a display layer needs to explain it.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	Identity string      `json:"identity,omitempty"`

	Session            *Session `json:"session,omitempty"`
	Token              string   `json:"token,omitempty"`
	ForcedLogout       bool     `json:"forcedLogout,omitempty"`
	TerminatedSessions int      `json:"terminatedSessions,omitempty"`

	Existing []SessionSummary `json:"existingSessions,omitempty"`
	// Ticket must accompany the decision on a pending conflict.
	Ticket string `json:"conflictTicket,omitempty"`

	LockedUntil      time.Time     `json:"lockedUntil,omitempty"`
	LockoutRemaining time.Duration `json:"lockoutRemaining,omitempty"`

	Current     int    `json:"current,omitempty"`
	Max         int    `json:"max,omitempty"`
	AccountKind string `json:"accountKind,omitempty"`

	Retryable bool `json:"retryable,omitempty"`
}

func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// Err maps the outcome to its sentinel error; nil for success.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeInvalidCredential:
		return ErrInvalidCredential
	case OutcomeLockedOut:
		return ErrLockedOut
	case OutcomeSessionConflict:
		return ErrSessionConflict
	case OutcomeConflictChoiceRequired:
		return ErrConflictChoiceRequired
	case OutcomeLimitReached:
		return ErrConcurrencyLimitReached
	case OutcomeUserCancelled:
		return ErrUserCancelled
	case OutcomeNoPendingConflict:
		return ErrNoPendingConflict
	case OutcomeStoreUnavailable:
		return ErrStoreUnavailable
	default:
		return errors.New("unknown outcome " + string(o.Kind))
	}
}
