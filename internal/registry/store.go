package registry

import (
	"context"
	"sync"
	"time"

	"sessiongate/internal/models"
)

// Namespace separates regular identities from shared accounts for check-then-act locking.
type Namespace string

const (
	NamespaceRegular Namespace = "regular"
	NamespaceShared  Namespace = "shared"
)

// Store is the session table. Records are opaque to the store beyond their id; the
// "current session" pointers are kept per client id.
type Store interface {
	Get(ctx context.Context, id string) (models.Session, error)
	Put(ctx context.Context, session models.Session) error
	// Touch refreshes last activity only if the session still exists.
	Touch(ctx context.Context, id string, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]models.Session, error)

	CurrentFor(ctx context.Context, clientID string) (string, error)
	SetCurrent(ctx context.Context, clientID string, sessionID string) error
	// ClearCurrent drops every client pointer that names sessionID.
	ClearCurrent(ctx context.Context, sessionID string) ([]string, error)

	// Lock serialises check-then-act sequences across processes sharing the store.
	Lock(ctx context.Context, ns Namespace) (func(), error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	current  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
		current:  make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, models.ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryStore) Put(_ context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	session.LastActivityAt = at
	s.sessions[id] = session
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *MemoryStore) CurrentFor(_ context.Context, clientID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[clientID], nil
}

func (s *MemoryStore) SetCurrent(_ context.Context, clientID string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[clientID] = sessionID
	return nil
}

func (s *MemoryStore) ClearCurrent(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared []string
	for clientID, id := range s.current {
		if id == sessionID {
			delete(s.current, clientID)
			cleared = append(cleared, clientID)
		}
	}
	return cleared, nil
}

// Lock is a no-op: a single process is already serialised by the Registry.
func (s *MemoryStore) Lock(context.Context, Namespace) (func(), error) {
	return func() {}, nil
}
