package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream exploded")

func newTestBreaker(clock *ManualClock, settings BreakerSettings) *Breaker {
	return NewBreaker("source_A", settings, WithBreakerClock(clock))
}

func TestBreaker_OpensAfterThresholdAndFailsFast(t *testing.T) {
	clock := NewManualClock(time.Time{})
	breaker := newTestBreaker(clock, BreakerSettings{FailureThreshold: 3, ResetTimeout: 10 * time.Second})
	calls := 0
	failing := func(context.Context) error {
		calls++
		return errUpstream
	}

	for i := 0; i < 3; i++ {
		if err := breaker.Call(context.Background(), failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if breaker.State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}

	err := breaker.Call(context.Background(), failing)
	var circuitErr *CircuitOpenError
	if !errors.As(err, &circuitErr) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected the open breaker to skip the operation, got %d calls", calls)
	}
	if circuitErr.Resource != "source_A" || circuitErr.RetryAfter != 10*time.Second {
		t.Fatalf("unexpected circuit error %#v", circuitErr)
	}
}

func TestBreaker_HalfOpenThenClosedAfterSuccesses(t *testing.T) {
	clock := NewManualClock(time.Time{})
	breaker := newTestBreaker(clock, BreakerSettings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	})
	for i := 0; i < 3; i++ {
		_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
	}

	clock.Advance(29 * time.Second)
	if breaker.State() != StateOpen {
		t.Fatalf("expected breaker to stay open before the reset timeout")
	}
	clock.Advance(time.Second)

	ok := func(context.Context) error { return nil }
	if err := breaker.Call(context.Background(), ok); err != nil {
		t.Fatalf("first trial call: %v", err)
	}
	if breaker.State() != StateHalfOpen {
		t.Fatalf("expected half-open after first success, got %s", breaker.State())
	}
	if err := breaker.Call(context.Background(), ok); err != nil {
		t.Fatalf("second trial call: %v", err)
	}
	snapshot := breaker.Snapshot()
	if snapshot.State != StateClosed || snapshot.ConsecutiveFailures != 0 || snapshot.OpenedAt != nil {
		t.Fatalf("expected closed and reset breaker, got %#v", snapshot)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := NewManualClock(time.Time{})
	breaker := newTestBreaker(clock, BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Second})
	_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
	firstOpened := *breaker.Snapshot().OpenedAt

	clock.Advance(2 * time.Second)
	_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
	snapshot := breaker.Snapshot()
	if snapshot.State != StateOpen {
		t.Fatalf("expected reopened breaker, got %s", snapshot.StateName)
	}
	if !snapshot.OpenedAt.After(firstOpened) {
		t.Fatalf("expected opened_at to be reset")
	}
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	clock := NewManualClock(time.Time{})
	breaker := newTestBreaker(clock, BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})
	_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
	clock.Advance(time.Second)

	ticket, err := breaker.Allow()
	if err != nil {
		t.Fatalf("expected first trial to be admitted: %v", err)
	}
	if _, err := breaker.Allow(); !IsCircuitOpen(err) {
		t.Fatalf("expected second concurrent trial to be rejected, got %v", err)
	}
	ticket.Done(false)
	if breaker.State() != StateClosed {
		t.Fatalf("expected closed breaker after trial success, got %s", breaker.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	breaker := newTestBreaker(NewManualClock(time.Time{}), BreakerSettings{FailureThreshold: 2})
	_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
	_ = breaker.Call(context.Background(), func(context.Context) error { return nil })
	_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
	if breaker.State() != StateClosed {
		t.Fatalf("expected non consecutive failures to keep the breaker closed")
	}
}

func TestBreakers_IsolatesResourcesAndReportsState(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	registry := NewBreakers(BreakerSettings{FailureThreshold: 5},
		WithBreakersClock(NewManualClock(time.Time{})),
		WithResourceSettings("target_B", BreakerSettings{FailureThreshold: 1}),
		WithBreakersStateChange(func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)

	serverErr := &fakeStatusError{code: 503}
	for i := 0; i < 5; i++ {
		_ = registry.Call(context.Background(), "source_A", func(context.Context) error { return serverErr })
	}
	invoked := false
	err := registry.Call(context.Background(), "source_A", func(context.Context) error {
		invoked = true
		return nil
	})
	if !IsCircuitOpen(err) || invoked {
		t.Fatalf("expected sixth call to fail fast, got %v (invoked=%v)", err, invoked)
	}
	if Classify(err) != CategoryServer {
		t.Fatalf("expected circuit error to carry the server category, got %s", Classify(err))
	}

	if state := registry.State("target_B"); state.State != StateClosed {
		t.Fatalf("expected independent closed breaker for target_B, got %s", state.StateName)
	}
	_ = registry.Call(context.Background(), "target_B", func(context.Context) error { return errUpstream })
	if state := registry.State("target_B"); state.State != StateOpen {
		t.Fatalf("expected override threshold to open target_B, got %s", state.StateName)
	}

	snapshots := registry.Snapshots()
	if len(snapshots) != 2 || snapshots[0].Name != "source_A" || snapshots[1].Name != "target_B" {
		t.Fatalf("unexpected snapshots %#v", snapshots)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("expected two open transitions, got %v", transitions)
	}
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	opened := 0
	var mu sync.Mutex
	breaker := NewBreaker("shared", BreakerSettings{FailureThreshold: 10, ResetTimeout: time.Hour},
		WithStateChange(func(_ string, _, to State) {
			if to == StateOpen {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = breaker.Call(context.Background(), func(context.Context) error { return errUpstream })
		}()
	}
	wg.Wait()
	if breaker.State() != StateOpen {
		t.Fatalf("expected open breaker")
	}
	mu.Lock()
	defer mu.Unlock()
	if opened != 1 {
		t.Fatalf("expected exactly one open transition, got %d", opened)
	}
}

type fakeStatusError struct {
	code int
}

func (e *fakeStatusError) Error() string       { return "status error" }
func (e *fakeStatusError) HTTPStatusCode() int { return e.code }
