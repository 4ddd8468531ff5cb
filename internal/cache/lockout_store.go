package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sessiongate/internal/conflict"
	"sessiongate/internal/ids"
	"sessiongate/internal/lockout"
)

// recordScript appends one failure and trims the window in a single step, so failures sent
// by several processes cannot overwrite each other. A key of another type is replaced.
var recordScript = redis.NewScript(`
local kind = redis.call('TYPE', KEYS[1]).ok
if kind ~= 'zset' and kind ~= 'none' then
	redis.call('DEL', KEYS[1])
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
`)

// LockoutStore keeps each identity's failed attempts in a sorted set scored by unix
// milliseconds, expiring with the lockout window.
type LockoutStore struct {
	client *redis.Client
	keys   Keys
}

func NewLockoutStore(client *redis.Client, keys Keys) *LockoutStore {
	return &LockoutStore{client: client, keys: keys}
}

var _ lockout.Store = (*LockoutStore)(nil)

func (s *LockoutStore) Attempts(ctx context.Context, identity string, since time.Time) ([]time.Time, error) {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.keys.Lockout(identity), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		if isWrongType(err) {
			// corrupt record counts as no attempts
			return nil, nil
		}
		return nil, fmt.Errorf("read lockout: %w", err)
	}

	out := make([]time.Time, 0, len(entries))
	for _, z := range entries {
		out = append(out, time.UnixMilli(int64(z.Score)).UTC())
	}
	return out, nil
}

func (s *LockoutStore) Record(ctx context.Context, identity string, at time.Time, window time.Duration) ([]time.Time, error) {
	ms := at.UnixMilli()
	flat, err := recordScript.Run(ctx, s.client,
		[]string{s.keys.Lockout(identity)},
		ms,
		ms-window.Milliseconds(),
		strconv.FormatInt(ms, 10)+"-"+ids.New(),
		window.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("record lockout: %w", err)
	}

	// member, score pairs
	out := make([]time.Time, 0, len(flat)/2)
	for i := 1; i < len(flat); i += 2 {
		score, err := strconv.ParseFloat(flat[i], 64)
		if err != nil {
			return nil, fmt.Errorf("decode lockout score %q: %w", flat[i], err)
		}
		out = append(out, time.UnixMilli(int64(score)).UTC())
	}
	return out, nil
}

func (s *LockoutStore) Clear(ctx context.Context, identity string) error {
	return s.client.Del(ctx, s.keys.Lockout(identity)).Err()
}

func isWrongType(err error) bool {
	return strings.HasPrefix(err.Error(), "WRONGTYPE")
}

type PolicyStore struct {
	client *redis.Client
	keys   Keys
}

func NewPolicyStore(client *redis.Client, keys Keys) *PolicyStore {
	return &PolicyStore{client: client, keys: keys}
}

var _ conflict.PolicyStore = (*PolicyStore)(nil)

func (s *PolicyStore) Get(ctx context.Context) (conflict.Policy, error) {
	raw, err := s.client.Get(ctx, s.keys.Policy()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", conflict.ErrPolicyUnset
		}
		return "", err
	}
	return conflict.ParsePolicy(raw)
}

func (s *PolicyStore) Set(ctx context.Context, p conflict.Policy) error {
	return s.client.Set(ctx, s.keys.Policy(), string(p), 0).Err()
}
