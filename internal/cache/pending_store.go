package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sessiongate/internal/conflict"
)

// takeScript deletes and returns the record only when the presented digest matches the one
// stored ahead of it, so a wrong ticket consumes nothing.
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return false
end
local sep = string.find(v, '\n', 1, true)
if not sep or string.sub(v, 1, sep - 1) ~= ARGV[1] then
	return false
end
redis.call('DEL', KEYS[1])
return string.sub(v, sep + 1)
`)

// PendingStore keeps each client's pending conflict as "<ticket digest>\n<json>" under a key
// that expires with the pending TTL.
type PendingStore struct {
	client *redis.Client
	keys   Keys
}

func NewPendingStore(client *redis.Client, keys Keys) *PendingStore {
	return &PendingStore{client: client, keys: keys}
}

var _ conflict.PendingStore = (*PendingStore)(nil)

func (s *PendingStore) Put(ctx context.Context, clientID string, p conflict.Pending, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending conflict: %w", err)
	}
	return s.client.Set(ctx, s.keys.Pending(clientID), p.TicketDigest+"\n"+string(raw), ttl).Err()
}

func (s *PendingStore) Get(ctx context.Context, clientID string) (conflict.Pending, bool, error) {
	raw, err := s.client.Get(ctx, s.keys.Pending(clientID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conflict.Pending{}, false, nil
		}
		return conflict.Pending{}, false, fmt.Errorf("get pending conflict: %w", err)
	}
	_, body, ok := strings.Cut(raw, "\n")
	if !ok {
		return conflict.Pending{}, false, nil
	}
	return decodePending(body)
}

func (s *PendingStore) Take(ctx context.Context, clientID, digest string) (conflict.Pending, bool, error) {
	body, err := takeScript.Run(ctx, s.client, []string{s.keys.Pending(clientID)}, digest).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conflict.Pending{}, false, nil
		}
		return conflict.Pending{}, false, fmt.Errorf("take pending conflict: %w", err)
	}
	return decodePending(body)
}

func (s *PendingStore) Delete(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, s.keys.Pending(clientID)).Err()
}

func decodePending(body string) (conflict.Pending, bool, error) {
	var p conflict.Pending
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return conflict.Pending{}, false, fmt.Errorf("decode pending conflict: %w", err)
	}
	return p, true, nil
}
