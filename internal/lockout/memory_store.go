package lockout

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	attempts  []time.Time
	expiresAt time.Time
}

// MemoryStore keeps attempts for a single process. A record lives until its newest attempt
// leaves the window; reads drop stale attempts and Prune drops whole records.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Attempts(_ context.Context, identity string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, nil
	}
	rec.attempts = after(rec.attempts, since)
	if len(rec.attempts) == 0 {
		delete(s.records, identity)
		return nil, nil
	}
	s.records[identity] = rec
	return append([]time.Time(nil), rec.attempts...), nil
}

func (s *MemoryStore) Record(_ context.Context, identity string, at time.Time, window time.Duration) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[identity]
	rec.attempts = append(after(rec.attempts, at.Add(-window)), at)
	if exp := at.Add(window); exp.After(rec.expiresAt) {
		rec.expiresAt = exp
	}
	s.records[identity] = rec
	return append([]time.Time(nil), rec.attempts...), nil
}

func (s *MemoryStore) Clear(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identity)
	return nil
}

// Prune forgets every record that expired at or before now.
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for identity, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, identity)
			n++
		}
	}
	return n
}

// Len is the number of identities with a record.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// after filters attempts in place, keeping those strictly after since.
func after(attempts []time.Time, since time.Time) []time.Time {
	out := attempts[:0]
	for _, t := range attempts {
		if t.After(since) {
			out = append(out, t)
		}
	}
	return out
}
