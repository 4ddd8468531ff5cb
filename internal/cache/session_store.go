package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sessiongate/internal/models"
	"sessiongate/internal/registry"
)

const (
	lockTTL      = 10 * time.Second
	lockWait     = 5 * time.Second
	lockInterval = 25 * time.Millisecond
)

var ErrLockTimeout = errors.New("namespace lock timeout")

// touchScript refreshes last activity only while the session record still exists, so a
// touch racing a delete cannot leave an orphan activity entry.
var touchScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

var clearCurrentScript = redis.NewScript(`
local flat = redis.call('HGETALL', KEYS[1])
local cleared = {}
for i = 1, #flat, 2 do
	if flat[i + 1] == ARGV[1] then
		redis.call('HDEL', KEYS[1], flat[i])
		table.insert(cleared, flat[i])
	end
end
return cleared
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// SessionStore keeps the session table in Redis hashes: records keyed by session id, last
// activity in a separate hash, and the per-client current pointers.
type SessionStore struct {
	client *redis.Client
	keys   Keys
}

func NewSessionStore(client *redis.Client, keys Keys) *SessionStore {
	return &SessionStore{client: client, keys: keys}
}

var _ registry.Store = (*SessionStore)(nil)

func (s *SessionStore) Get(ctx context.Context, id string) (models.Session, error) {
	raw, err := s.client.HGet(ctx, s.keys.Sessions(), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Session{}, models.ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("hget session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}

	if ms, err := s.client.HGet(ctx, s.keys.Activity(), id).Int64(); err == nil {
		session.LastActivityAt = time.UnixMilli(ms).UTC()
	}
	return session, nil
}

func (s *SessionStore) Put(ctx context.Context, session models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.Sessions(), session.ID, raw)
		pipe.HSet(ctx, s.keys.Activity(), session.ID, session.LastActivityAt.UnixMilli())
		return nil
	})
	return err
}

func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, s.client,
		[]string{s.keys.Sessions(), s.keys.Activity()},
		id, at.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return n == 1, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.keys.Sessions(), id)
		pipe.HDel(ctx, s.keys.Activity(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return removed.Val() > 0, nil
}

// List returns every stored record. Undecodable records are skipped so one corrupt entry
// cannot hide the rest of the table; the sweep never sees them either.
func (s *SessionStore) List(ctx context.Context) ([]models.Session, error) {
	records, err := s.client.HGetAll(ctx, s.keys.Sessions()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall sessions: %w", err)
	}
	activity, err := s.client.HGetAll(ctx, s.keys.Activity()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall activity: %w", err)
	}

	out := make([]models.Session, 0, len(records))
	for id, raw := range records {
		var session models.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			continue
		}
		if ms, err := strconv.ParseInt(activity[id], 10, 64); err == nil {
			session.LastActivityAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SessionStore) CurrentFor(ctx context.Context, clientID string) (string, error) {
	id, err := s.client.HGet(ctx, s.keys.Current(), clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *SessionStore) SetCurrent(ctx context.Context, clientID string, sessionID string) error {
	return s.client.HSet(ctx, s.keys.Current(), clientID, sessionID).Err()
}

func (s *SessionStore) ClearCurrent(ctx context.Context, sessionID string) ([]string, error) {
	cleared, err := clearCurrentScript.Run(ctx, s.client, []string{s.keys.Current()}, sessionID).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("clear current: %w", err)
	}
	return cleared, nil
}

// Lock takes a SET NX lease on the namespace, polling until lockWait elapses. The lease
// expires on its own if the holder dies.
func (s *SessionStore) Lock(ctx context.Context, ns registry.Namespace) (func(), error) {
	key := s.keys.Lock(string(ns))
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	ticker := time.NewTicker(lockInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = unlockScript.Run(releaseCtx, s.client, []string{key}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}
