package resilience

import (
	"context"
	"sort"
	"strings"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
)

// Breakers holds one Breaker per resource name, created on first use. The
// registry lock only guards the map; each breaker synchronizes itself.
type Breakers struct {
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	clock     Clock
	logger    glog.Logger
	onChange  StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

type BreakersOption func(*Breakers)

func WithBreakersClock(clock Clock) BreakersOption {
	return func(r *Breakers) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithBreakersLogger(logger glog.Logger) BreakersOption {
	return func(r *Breakers) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithBreakersStateChange(fn StateChangeFunc) BreakersOption {
	return func(r *Breakers) {
		r.onChange = fn
	}
}

// WithResourceSettings overrides the default thresholds for one resource.
func WithResourceSettings(name string, settings BreakerSettings) BreakersOption {
	return func(r *Breakers) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		r.overrides[name] = settings
	}
}

func NewBreakers(defaults BreakerSettings, opts ...BreakersOption) *Breakers {
	registry := &Breakers{
		defaults:  defaults.normalized(),
		overrides: map[string]BreakerSettings{},
		clock:     SystemClock{},
		logger:    glog.Nop(),
		breakers:  map[string]*Breaker{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

func (r *Breakers) Get(name string) *Breaker {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, ok = r.breakers[name]; ok {
		return breaker
	}
	settings := r.defaults
	if override, found := r.overrides[name]; found {
		settings = override.normalized()
	}
	breaker = NewBreaker(name, settings,
		WithBreakerClock(r.clock),
		WithBreakerLogger(r.logger),
		WithStateChange(r.onChange),
	)
	r.breakers[name] = breaker
	return breaker
}

func (r *Breakers) Call(ctx context.Context, name string, op Operation) error {
	return r.Get(name).Call(ctx, op)
}

// State reports the breaker for name, creating it closed when unseen.
func (r *Breakers) State(name string) BreakerSnapshot {
	return r.Get(name).Snapshot()
}

func (r *Breakers) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, breaker := range r.breakers {
		breakers = append(breakers, breaker)
	}
	r.mu.RUnlock()

	snapshots := make([]BreakerSnapshot, 0, len(breakers))
	for _, breaker := range breakers {
		snapshots = append(snapshots, breaker.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}
