package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-apilinker/resilience"
	"golang.org/x/time/rate"
)

// BucketConfig configures a token bucket. Rate is tokens per second.
type BucketConfig struct {
	Rate  float64 `json:"rate" yaml:"rate" koanf:"rate" mapstructure:"rate"`
	Burst int     `json:"burst" yaml:"burst" koanf:"burst" mapstructure:"burst"`
}

func (c BucketConfig) Enabled() bool {
	return c.Rate > 0
}

// Manager owns the token buckets of every configured resource and the
// adaptive policy fed by upstream rate-limit headers. Resources without a
// bucket are only subject to the adaptive policy.
type Manager struct {
	mu       sync.RWMutex
	buckets  map[string]*rate.Limiter
	adaptive *AdaptivePolicy
	clock    resilience.Clock
}

type ManagerOption func(*Manager)

func WithAdaptivePolicy(policy *AdaptivePolicy) ManagerOption {
	return func(m *Manager) {
		m.adaptive = policy
	}
}

func WithClock(clock resilience.Clock) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	manager := &Manager{
		buckets:  map[string]*rate.Limiter{},
		adaptive: NewAdaptivePolicy(NewMemoryStateStore()),
		clock:    resilience.SystemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager
}

// Configure installs or replaces the bucket for resource. A disabled config
// removes it.
func (m *Manager) Configure(resource string, cfg BucketConfig) error {
	if m == nil {
		return fmt.Errorf("ratelimit: manager is not configured")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return fmt.Errorf("ratelimit: resource is required")
	}
	if cfg.Rate < 0 || cfg.Burst < 0 {
		return fmt.Errorf("ratelimit: rate and burst must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !cfg.Enabled() {
		delete(m.buckets, resource)
		return nil
	}
	m.buckets[resource] = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, cfg.Burst))
	return nil
}

func (m *Manager) Bucket(resource string) (*rate.Limiter, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	limiter, ok := m.buckets[strings.TrimSpace(resource)]
	return limiter, ok
}

// Acquire takes one token for resource, sleeping until it is available, then
// consults the adaptive policy. A throttle window yields ThrottledError so
// callers can retry after the advertised wait.
func (m *Manager) Acquire(ctx context.Context, resource string) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := Key{Resource: resource}
	if limiter, ok := m.Bucket(resource); ok {
		reservation := limiter.Reserve()
		if !reservation.OK() {
			return ThrottledError{Key: key}
		}
		if delay := reservation.Delay(); delay > 0 {
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				reservation.Cancel()
				return ThrottledError{Key: key, Wait: delay}
			}
			if err := m.clock.Sleep(ctx, delay); err != nil {
				reservation.Cancel()
				return err
			}
		}
	}
	return m.adaptive.BeforeCall(ctx, key)
}

// Observe feeds a response into the adaptive policy.
func (m *Manager) Observe(ctx context.Context, resource string, res ResponseMeta) error {
	if m == nil {
		return nil
	}
	return m.adaptive.AfterCall(ctx, Key{Resource: resource}, res)
}

// State returns the adaptive state recorded for resource.
func (m *Manager) State(ctx context.Context, resource string) (State, error) {
	if m == nil || m.adaptive == nil || m.adaptive.Store == nil {
		return State{}, ErrStateNotFound
	}
	return m.adaptive.Store.Get(ctx, Key{Resource: resource})
}
