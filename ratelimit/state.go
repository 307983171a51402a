package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Key identifies a rate-limit window: one resource (connector endpoint) and
// an optional bucket for APIs that meter several quotas separately.
type Key struct {
	Resource string
	Bucket   string
}

func (k Key) String() string {
	if k.Bucket == "" {
		return k.Resource
	}
	return k.Resource + "|" + k.Bucket
}

type State struct {
	Key            Key
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

type StateStore interface {
	Get(ctx context.Context, key Key) (State, error)
	Upsert(ctx context.Context, state State) error
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key Key) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	normalized := normalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalized.String()]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.Metadata = cloneMap(state.Metadata)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	state.Metadata = cloneMap(state.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key.String()] = state
	return nil
}

func normalizeKey(key Key) Key {
	return Key{
		Resource: strings.TrimSpace(key.Resource),
		Bucket:   strings.TrimSpace(strings.ToLower(key.Bucket)),
	}
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}
