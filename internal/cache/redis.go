package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sessiongate/internal/config"
)

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// Keys builds every key the stores use from one prefix, so several deployments can share a
// Redis database.
type Keys struct {
	Prefix string
}

func (k Keys) key(parts ...string) string {
	out := k.Prefix
	if out == "" {
		out = "sessiongate"
	}
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (k Keys) Sessions() string             { return k.key("sessions") }
func (k Keys) Activity() string             { return k.key("activity") }
func (k Keys) Current() string              { return k.key("current") }
func (k Keys) Lock(namespace string) string { return k.key("lock", namespace) }
func (k Keys) Lockout(identity string) string {
	return k.key("lockout", identity)
}
func (k Keys) Policy() string { return k.key("conflict_policy") }
func (k Keys) Pending(clientID string) string {
	return k.key("pending", clientID)
}
