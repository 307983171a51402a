package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (s BreakerSettings) normalized() BreakerSettings {
	defaults := DefaultBreakerSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = defaults.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = defaults.SuccessThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = defaults.ResetTimeout
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	return s
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

type BreakerSnapshot struct {
	Name                 string     `json:"name"`
	State                State      `json:"-"`
	StateName            string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	InFlight             int        `json:"in_flight"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// Operation is a unit of work protected by the resilience layer.
type Operation func(ctx context.Context) error

// Breaker guards one named resource. All counters are protected by the
// breaker's own mutex.
type Breaker struct {
	name     string
	settings BreakerSettings
	clock    Clock
	logger   glog.Logger
	onChange StateChangeFunc

	mu                   sync.Mutex
	state                State
	generation           uint64
	consecutiveFailures  int
	consecutiveSuccesses int
	inFlight             int
	openedAt             time.Time
	lastCategory         Category
}

type BreakerOption func(*Breaker)

func WithBreakerClock(clock Clock) BreakerOption {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

func WithBreakerLogger(logger glog.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

func NewBreaker(name string, settings BreakerSettings, opts ...BreakerOption) *Breaker {
	breaker := &Breaker{
		name:     strings.TrimSpace(name),
		settings: settings.normalized(),
		clock:    SystemClock{},
		logger:   glog.Nop(),
		state:    StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(breaker)
		}
	}
	return breaker
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) Settings() BreakerSettings {
	return b.settings
}

// Ticket is an admitted call. Done must be called exactly once.
type Ticket struct {
	breaker    *Breaker
	generation uint64
	halfOpen   bool
	once       sync.Once
}

// Allow admits a call or returns *CircuitOpenError.
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	from := b.state
	ticket, err := b.admitLocked(b.clock.Now())
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
	return ticket, err
}

func (b *Breaker) admitLocked(now time.Time) (*Ticket, error) {
	b.refreshLocked(now)
	switch b.state {
	case StateOpen:
		return nil, &CircuitOpenError{
			Resource:     b.name,
			State:        StateOpen,
			OpenedAt:     b.openedAt,
			RetryAfter:   b.settings.ResetTimeout - now.Sub(b.openedAt),
			LastCategory: b.lastCategory,
		}
	case StateHalfOpen:
		if b.inFlight >= b.settings.HalfOpenMaxCalls {
			return nil, &CircuitOpenError{
				Resource:     b.name,
				State:        StateHalfOpen,
				OpenedAt:     b.openedAt,
				LastCategory: b.lastCategory,
			}
		}
		b.inFlight++
		return &Ticket{breaker: b, generation: b.generation, halfOpen: true}, nil
	default:
		return &Ticket{breaker: b, generation: b.generation}, nil
	}
}

// Done records the outcome of an admitted call.
func (t *Ticket) Done(failed bool) {
	t.DoneWithCategory(failed, CategoryUnknown)
}

func (t *Ticket) DoneWithCategory(failed bool, category Category) {
	if t == nil || t.breaker == nil {
		return
	}
	t.once.Do(func() {
		t.breaker.record(t, failed, category)
	})
}

// Release frees the ticket without counting an outcome.
func (t *Ticket) Release() {
	if t == nil || t.breaker == nil {
		return
	}
	t.once.Do(func() {
		b := t.breaker
		b.mu.Lock()
		if t.halfOpen && t.generation == b.generation && b.inFlight > 0 {
			b.inFlight--
		}
		b.mu.Unlock()
	})
}

func (b *Breaker) record(ticket *Ticket, failed bool, category Category) {
	b.mu.Lock()
	if ticket.halfOpen && ticket.generation == b.generation && b.inFlight > 0 {
		b.inFlight--
	}
	if ticket.generation != b.generation {
		b.mu.Unlock()
		return
	}

	from := b.state
	now := b.clock.Now()
	if failed {
		b.lastCategory = category
		b.consecutiveSuccesses = 0
		switch b.state {
		case StateClosed:
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.settings.FailureThreshold {
				b.transitionLocked(StateOpen, now)
			}
		case StateHalfOpen:
			b.consecutiveFailures++
			b.transitionLocked(StateOpen, now)
		}
	} else {
		switch b.state {
		case StateClosed:
			b.consecutiveFailures = 0
		case StateHalfOpen:
			b.consecutiveFailures = 0
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.settings.SuccessThreshold {
				b.transitionLocked(StateClosed, now)
			}
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Call runs op when the breaker admits it. Any non-nil error counts as a
// failure except context cancellation, which is not counted at all.
func (b *Breaker) Call(ctx context.Context, op Operation) error {
	if op == nil {
		return fmt.Errorf("resilience: operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticket, err := b.Allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	if errors.Is(err, context.Canceled) {
		ticket.Release()
		return err
	}
	ticket.DoneWithCategory(err != nil, Classify(err))
	return err
}

func (b *Breaker) State() State {
	return b.Snapshot().State
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	from := b.state
	b.refreshLocked(b.clock.Now())
	snapshot := BreakerSnapshot{
		Name:                 b.name,
		State:                b.state,
		StateName:            b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		InFlight:             b.inFlight,
	}
	if !b.openedAt.IsZero() && b.state != StateClosed {
		openedAt := b.openedAt
		snapshot.OpenedAt = &openedAt
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
	return snapshot
}

// refreshLocked moves an open breaker to half-open once the reset timeout
// has elapsed.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.ResetTimeout {
		b.transitionLocked(StateHalfOpen, now)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.state = to
	b.generation++
	b.inFlight = 0
	switch to {
	case StateOpen:
		b.openedAt = now
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) notify(from, to State) {
	logFn := b.logger.Info
	if to == StateOpen {
		logFn = b.logger.Warn
	}
	logFn("circuit breaker state changed", "resource", b.name, "from", from.String(), "to", to.String())
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
