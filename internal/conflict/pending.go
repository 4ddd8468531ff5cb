package conflict

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"sessiongate/internal/models"
)

// Pending is a login parked by the ask policy until its client decides.
type Pending struct {
	Snapshot  models.Snapshot  `json:"snapshot"`
	Existing  []models.Session `json:"existing"`
	Request   Request          `json:"request"`
	CreatedAt time.Time        `json:"createdAt"`
	// Digest of the ticket handed to the client; the ticket itself is never stored.
	TicketDigest string `json:"ticketDigest"`
}

// PendingStore holds one pending conflict per client id. Stores shared by several processes
// let a decision land on any of them.
type PendingStore interface {
	// Put replaces the client's pending conflict; it expires after ttl.
	Put(ctx context.Context, clientID string, p Pending, ttl time.Duration) error
	Get(ctx context.Context, clientID string) (Pending, bool, error)
	// Take removes and returns the pending conflict only when digest matches its ticket.
	// A mismatch leaves it in place.
	Take(ctx context.Context, clientID, digest string) (Pending, bool, error)
	Delete(ctx context.Context, clientID string) error
}

// TicketDigest is what stores compare a presented ticket against.
func TicketDigest(ticket string) string {
	sum := sha256.Sum256([]byte(ticket))
	return hex.EncodeToString(sum[:])
}

// DigestsMatch compares two ticket digests in constant time.
func DigestsMatch(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type memoryPending struct {
	pending   Pending
	expiresAt time.Time
}

type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]memoryPending
	now     func() time.Time
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]memoryPending), now: time.Now}
}

func (s *MemoryPendingStore) Put(_ context.Context, clientID string, p Pending, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// abandoned conflicts go on every write
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
		}
	}
	s.entries[clientID] = memoryPending{pending: p, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryPendingStore) Get(_ context.Context, clientID string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(clientID)
	return e.pending, ok, nil
}

func (s *MemoryPendingStore) Take(_ context.Context, clientID, digest string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(clientID)
	if !ok || !DigestsMatch(e.pending.TicketDigest, digest) {
		return Pending{}, false, nil
	}
	delete(s.entries, clientID)
	return e.pending, true, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, clientID)
	return nil
}

// Len is the number of conflicts held, expired or not.
func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryPendingStore) live(clientID string) (memoryPending, bool) {
	e, ok := s.entries[clientID]
	if !ok {
		return memoryPending{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, clientID)
		return memoryPending{}, false
	}
	return e, true
}
