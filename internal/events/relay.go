// Package events carries "sessions changed" notifications between processes that share one
// Redis-backed session table.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sessiongate/internal/metrics"
	"sessiongate/internal/registry"
)

const field = "event"

// Relay appends locally originated hub events to a Redis stream and republishes events
// from other processes on the local hub. Delivery stays best effort, like the hub itself.
type Relay struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	block   time.Duration
	hub     *registry.Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewRelay(client *redis.Client, stream string, maxLen int64, hub *registry.Hub, m *metrics.Metrics, logger zerolog.Logger) *Relay {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Relay{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		block:   5 * time.Second,
		hub:     hub,
		metrics: m,
		logger:  logger,
	}
}

// Start runs until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	events, unsubscribe := r.hub.Subscribe(256)
	defer unsubscribe()

	go r.publishLoop(ctx, events)

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, err := r.read(ctx, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("stream read error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		lastID = next
	}
}

func (r *Relay) publishLoop(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Origin != r.hub.Origin() {
				continue
			}
			if err := r.Publish(ctx, ev); err != nil {
				r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("relay publish failed")
			}
		}
	}
}

func (r *Relay) Publish(ctx context.Context, ev registry.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{field: payload},
	}).Err()
	if err != nil {
		return err
	}
	r.metrics.RecordRelay("out")
	return nil
}

func (r *Relay) read(ctx context.Context, lastID string) (string, error) {
	result, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, lastID},
		Count:   50,
		Block:   r.block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return lastID, err
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			lastID = msg.ID
			if err := r.Handle(msg); err != nil {
				r.logger.Warn().
					Err(err).
					Str("message_id", msg.ID).
					Msg("handle relayed event failed")
			}
		}
	}
	return lastID, nil
}

// Handle republishes one stream entry locally unless this process produced it.
func (r *Relay) Handle(msg redis.XMessage) error {
	raw, ok := msg.Values[field].(string)
	if !ok {
		return fmt.Errorf("message %s has no %s field", msg.ID, field)
	}

	var ev registry.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.Origin == "" || ev.Origin == r.hub.Origin() {
		return nil
	}

	r.hub.Publish(ev)
	r.metrics.RecordRelay("in")
	return nil
}
