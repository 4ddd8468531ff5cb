package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Policy decides what happens when an identity logs in while it still has valid sessions.
type Policy string

const (
	PolicyPrevent Policy = "prevent"
	PolicyForce   Policy = "force"
	PolicyAsk     Policy = "ask"
)

var ErrPolicyUnset = errors.New("conflict policy not set")

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case PolicyPrevent, PolicyForce, PolicyAsk:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", raw)
	}
}

// Action is the follow-up decision for a pending conflict.
type Action string

const (
	ActionCancel  Action = "cancel"
	ActionForce   Action = "force"
	ActionPrevent Action = "prevent"
)

// PolicyStore persists the policy so every process sharing a backend applies the same one.
type PolicyStore interface {
	Get(ctx context.Context) (Policy, error)
	Set(ctx context.Context, p Policy) error
}

type MemoryPolicyStore struct {
	mu     sync.RWMutex
	policy Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{}
}

func (s *MemoryPolicyStore) Get(context.Context) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policy == "" {
		return "", ErrPolicyUnset
	}
	return s.policy, nil
}

func (s *MemoryPolicyStore) Set(_ context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	return nil
}
