package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"sessiongate/internal/models"
	"sessiongate/internal/security"
)

// MemoryCredentialStore serves identities loaded from a YAML seed file. Login bookkeeping is
// kept in memory only.
type MemoryCredentialStore struct {
	mu         sync.RWMutex
	identities map[string]models.Identity
	shared     map[string]models.SharedAccount
}

func NewMemoryCredentialStore(identities []models.Identity, shared []models.SharedAccount) *MemoryCredentialStore {
	s := &MemoryCredentialStore{
		identities: make(map[string]models.Identity, len(identities)),
		shared:     make(map[string]models.SharedAccount, len(shared)),
	}
	for _, i := range identities {
		s.identities[i.Name] = i
	}
	for _, a := range shared {
		s.shared[a.Name] = a
	}
	return s
}

func (s *MemoryCredentialStore) Lookup(_ context.Context, name string) (models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[name]
	if !ok {
		return models.Identity{}, models.ErrIdentityNotFound
	}
	return identity, nil
}

func (s *MemoryCredentialStore) RecordLoginSuccess(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[name]
	if !ok {
		return models.ErrIdentityNotFound
	}
	identity.LastLoginAt = &at
	s.identities[name] = identity
	return nil
}

func (s *MemoryCredentialStore) LookupShared(_ context.Context, name string) (models.SharedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.shared[name]
	if !ok {
		return models.SharedAccount{}, models.ErrSharedAccountNotFound
	}
	return account, nil
}

func (s *MemoryCredentialStore) RecordSharedAccess(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.shared[name]
	if !ok {
		return models.ErrSharedAccountNotFound
	}
	account.TotalLogins++
	account.LastAccessAt = &at
	s.shared[name] = account
	return nil
}

func (s *MemoryCredentialStore) SharedAccounts(context.Context) ([]models.SharedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SharedAccount, 0, len(s.shared))
	for _, a := range s.shared {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type seedFile struct {
	Identities []seedIdentity `yaml:"identities"`
	Shared     []seedShared   `yaml:"shared"`
}

type seedProfiles struct {
	Durations      map[string]string `yaml:"durations"`
	DefaultProfile string            `yaml:"default_profile"`
	MaxProfile     string            `yaml:"max_profile"`
}

type seedIdentity struct {
	Name         string   `yaml:"name"`
	SecretHash   string   `yaml:"secret_hash"`
	Secret       string   `yaml:"secret"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
	APIAccess    bool     `yaml:"api_access"`
	seedProfiles `yaml:",inline"`
}

type seedShared struct {
	seedIdentity `yaml:",inline"`
	Kind         string   `yaml:"kind"`
	MaxSessions  int      `yaml:"max_sessions"`
	Description  string   `yaml:"description"`
	Features     []string `yaml:"features"`
}

// LoadSeedFile reads identities and shared accounts from a YAML file.
func LoadSeedFile(path string) (*MemoryCredentialStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes a seed document. Entries may carry a ready argon2 secret_hash or a
// plaintext secret, which is hashed on load.
func ParseSeed(raw []byte) (*MemoryCredentialStore, error) {
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	identities := make([]models.Identity, 0, len(doc.Identities))
	for _, entry := range doc.Identities {
		hash, profiles, err := entry.resolve()
		if err != nil {
			return nil, err
		}
		identities = append(identities, models.Identity{
			Name:           entry.Name,
			SecretHash:     hash,
			Role:           roleOr(entry.Role, models.RoleUser),
			Capabilities:   entry.Capabilities,
			APIAccess:      entry.APIAccess,
			Durations:      profiles,
			DefaultProfile: entry.DefaultProfile,
			MaxProfile:     entry.MaxProfile,
		})
	}

	shared := make([]models.SharedAccount, 0, len(doc.Shared))
	for _, entry := range doc.Shared {
		hash, profiles, err := entry.resolve()
		if err != nil {
			return nil, err
		}
		shared = append(shared, models.SharedAccount{
			Name:           entry.Name,
			SecretHash:     hash,
			Role:           roleOr(entry.Role, models.RoleGuest),
			Kind:           entry.Kind,
			MaxSessions:    entry.MaxSessions,
			Capabilities:   entry.Capabilities,
			APIAccess:      entry.APIAccess,
			Durations:      profiles,
			DefaultProfile: entry.DefaultProfile,
			MaxProfile:     entry.MaxProfile,
			Description:    entry.Description,
			Features:       entry.Features,
		})
	}

	return NewMemoryCredentialStore(identities, shared), nil
}

func (e seedIdentity) resolve() ([]byte, models.DurationProfiles, error) {
	if e.Name == "" {
		return nil, nil, fmt.Errorf("seed entry without name")
	}

	var hash []byte
	switch {
	case e.SecretHash != "":
		hash = []byte(e.SecretHash)
	case e.Secret != "":
		h, err := security.HashSecret(e.Secret)
		if err != nil {
			return nil, nil, fmt.Errorf("hash secret of %s: %w", e.Name, err)
		}
		hash = h
	default:
		return nil, nil, fmt.Errorf("seed entry %s has no secret", e.Name)
	}

	profiles := make(models.DurationProfiles, len(e.Durations))
	for name, raw := range e.Durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("seed entry %s: profile %s: %w", e.Name, name, err)
		}
		profiles[name] = d
	}
	return hash, profiles, nil
}

func roleOr(raw string, fallback models.Role) models.Role {
	if raw == "" {
		return fallback
	}
	return models.Role(raw)
}
