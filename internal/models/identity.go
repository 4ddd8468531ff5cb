package models

import "time"

type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleUser          Role = "user"
	RoleGuest         Role = "guest"
)

const CapabilityUserManagement = "user_management"

// DurationProfiles maps a named profile ("15min", "1hour", ...) to its length.
type DurationProfiles map[string]time.Duration

// FallbackProfile names the duration of a session for which no profile resolved, whose
// length is the registry's default.
const FallbackProfile = "default"

// Identity is an individually credentialed account as held by the credential store.
type Identity struct {
	Name           string
	SecretHash     []byte
	Role           Role
	Capabilities   []string
	APIAccess      bool
	Durations      DurationProfiles
	DefaultProfile string
	MaxProfile     string
	LastLoginAt    *time.Time
}

// SharedAccount is a universal account used by many people at once, bounded by MaxSessions.
type SharedAccount struct {
	Name           string
	SecretHash     []byte
	Role           Role
	Kind           string
	MaxSessions    int
	Capabilities   []string
	APIAccess      bool
	Durations      DurationProfiles
	DefaultProfile string
	MaxProfile     string
	Description    string
	Features       []string
	TotalLogins    int
	LastAccessAt   *time.Time
}

// Snapshot is the identity data frozen into a session at login time.
type Snapshot struct {
	Name           string
	Role           Role
	Capabilities   []string
	APIAccess      bool
	Shared         bool
	Kind           string
	Durations      DurationProfiles
	DefaultProfile string
	MaxProfile     string
}

func (i Identity) Snapshot() Snapshot {
	return Snapshot{
		Name:           i.Name,
		Role:           i.Role,
		Capabilities:   append([]string(nil), i.Capabilities...),
		APIAccess:      i.APIAccess,
		Durations:      i.Durations.clone(),
		DefaultProfile: i.DefaultProfile,
		MaxProfile:     i.MaxProfile,
	}
}

func (a SharedAccount) Snapshot() Snapshot {
	return Snapshot{
		Name:           a.Name,
		Role:           a.Role,
		Capabilities:   append([]string(nil), a.Capabilities...),
		APIAccess:      a.APIAccess,
		Shared:         true,
		Kind:           a.Kind,
		Durations:      a.Durations.clone(),
		DefaultProfile: a.DefaultProfile,
		MaxProfile:     a.MaxProfile,
	}
}

func (d DurationProfiles) clone() DurationProfiles {
	if d == nil {
		return nil
	}
	out := make(DurationProfiles, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Resolve picks the duration for a requested profile. The requested profile wins when it
// exists, is positive and does not exceed the max profile; otherwise the default profile is
// used. ok is false when neither yields a usable duration.
func (d DurationProfiles) Resolve(requested, defaultProfile, maxProfile string) (string, time.Duration, bool) {
	limit, hasLimit := d[maxProfile]
	if v, found := d[requested]; found && requested != "" && v > 0 && (!hasLimit || limit <= 0 || v <= limit) {
		return requested, v, true
	}
	if v, found := d[defaultProfile]; found && v > 0 {
		return defaultProfile, v, true
	}
	return "", 0, false
}
