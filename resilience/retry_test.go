package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"
)

func newTestPolicy(clock *ManualClock) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.1,
		Clock:          clock,
		Random:         func() float64 { return 0 },
	}
}

func TestRetryPolicy_BackoffDoublesAndCaps(t *testing.T) {
	policy := newTestPolicy(NewManualClock(time.Time{}))
	expected := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for idx, want := range expected {
		if got := policy.Backoff(idx + 1); got != want*time.Second {
			t.Fatalf("attempt %d: expected %s, got %s", idx+1, want*time.Second, got)
		}
	}
}

func TestRetryPolicy_JitterIsBounded(t *testing.T) {
	policy := newTestPolicy(NewManualClock(time.Time{}))
	policy.Random = func() float64 { return 1 }
	for attempt := 1; attempt <= 8; attempt++ {
		base := policy.Backoff(attempt)
		delay := policy.Delay(attempt)
		if delay < base || delay-base > base/10 {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, delay, base, base+base/10)
		}
	}

	policy.JitterFraction = 5
	if delay := policy.Delay(1); delay > 2*time.Second {
		t.Fatalf("expected jitter fraction to clamp at 1, got %s", delay)
	}
}

func TestRetryPolicy_RetriesNetworkErrorsUntilExhausted(t *testing.T) {
	clock := NewManualClock(time.Time{})
	policy := newTestPolicy(clock)
	calls := 0
	outcome, err := policy.Execute(context.Background(), "target_B", func(context.Context) error {
		calls++
		return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if calls != 3 || outcome.Attempts != 3 || !outcome.Exhausted {
		t.Fatalf("expected 3 exhausted attempts, got calls=%d outcome=%#v", calls, outcome)
	}
	if outcome.Category != CategoryNetwork {
		t.Fatalf("expected network category, got %s", outcome.Category)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("unexpected sleeps %v", sleeps)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Attempts != 3 || Classify(err) != CategoryNetwork {
		t.Fatalf("unexpected operation error %#v", err)
	}
}

func TestRetryPolicy_NonRetryableFailsImmediately(t *testing.T) {
	for _, code := range []int{401, 403, 404, 422} {
		clock := NewManualClock(time.Time{})
		policy := newTestPolicy(clock)
		calls := 0
		outcome, err := policy.Execute(context.Background(), "api", func(context.Context) error {
			calls++
			return &fakeStatusError{code: code}
		})
		if err == nil || calls != 1 || outcome.Exhausted {
			t.Fatalf("status %d: expected single attempt, got calls=%d outcome=%#v", code, calls, outcome)
		}
		if len(clock.Sleeps()) != 0 {
			t.Fatalf("status %d: expected no sleeps", code)
		}
	}
}

func TestRetryPolicy_SucceedsAfterTransientFailure(t *testing.T) {
	policy := newTestPolicy(NewManualClock(time.Time{}))
	calls := 0
	value, outcome, err := Do(context.Background(), policy, "api", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &fakeStatusError{code: 502}
		}
		return "ok", nil
	})
	if err != nil || value != "ok" || outcome.Attempts != 2 || !outcome.Succeeded() {
		t.Fatalf("unexpected result value=%q outcome=%#v err=%v", value, outcome, err)
	}
}

func TestRetryPolicy_CancellationStopsBeforeNextAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := NewManualClock(time.Time{})
	policy := newTestPolicy(clock)
	policy.MaxAttempts = 10
	calls := 0
	outcome, err := policy.Execute(ctx, "api", func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return &fakeStatusError{code: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 2 || outcome.Exhausted {
		t.Fatalf("expected loop to stop after cancellation, got calls=%d outcome=%#v", calls, outcome)
	}
	if len(clock.Sleeps()) != 1 {
		t.Fatalf("expected no sleep after cancellation, got %v", clock.Sleeps())
	}
}

func TestRetryPolicy_RoutesThroughBreaker(t *testing.T) {
	clock := NewManualClock(time.Time{})
	breakers := NewBreakers(BreakerSettings{FailureThreshold: 5, ResetTimeout: time.Minute}, WithBreakersClock(clock))
	policy := newTestPolicy(clock)
	policy.MaxAttempts = 5
	policy.Breakers = breakers

	calls := 0
	serverFailure := func(context.Context) error {
		calls++
		return &fakeStatusError{code: 500}
	}
	outcome, err := policy.Execute(context.Background(), "source_A", serverFailure)
	if err == nil || !outcome.Exhausted || calls != 5 {
		t.Fatalf("expected five server attempts, got calls=%d outcome=%#v", calls, outcome)
	}
	if breakers.State("source_A").State != StateOpen {
		t.Fatalf("expected server failures to open the breaker")
	}

	outcome, err = policy.Execute(context.Background(), "source_A", serverFailure)
	if !IsCircuitOpen(err) || !outcome.CircuitOpen || calls != 5 {
		t.Fatalf("expected fail fast on open circuit, got calls=%d outcome=%#v err=%v", calls, outcome, err)
	}
	if outcome.Attempts != 0 {
		t.Fatalf("expected no attempts while open, got %d", outcome.Attempts)
	}
}

func TestRetryPolicy_ClientErrorsDoNotTripBreaker(t *testing.T) {
	clock := NewManualClock(time.Time{})
	breakers := NewBreakers(BreakerSettings{FailureThreshold: 1}, WithBreakersClock(clock))
	policy := newTestPolicy(clock)
	policy.Breakers = breakers

	_, _ = policy.Execute(context.Background(), "target_B", func(context.Context) error {
		return &fakeStatusError{code: 404}
	})
	if breakers.State("target_B").State != StateClosed {
		t.Fatalf("expected client errors to leave the breaker closed")
	}
}

type throttled struct{ wait time.Duration }

func (e throttled) Error() string             { return "throttled" }
func (e throttled) HTTPStatusCode() int       { return 429 }
func (e throttled) RetryAfter() time.Duration { return e.wait }

func TestRetryPolicy_HonorsRetryAfterHint(t *testing.T) {
	clock := NewManualClock(time.Time{})
	policy := newTestPolicy(clock)
	policy.MaxAttempts = 2
	_, _ = policy.Execute(context.Background(), "api", func(context.Context) error {
		return throttled{wait: 5 * time.Second}
	})
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Fatalf("expected retry-after wait of 5s, got %v", sleeps)
	}
}

func TestParseCategoryPolicies(t *testing.T) {
	policies, err := ParseCategoryPolicies(map[string][]string{
		"network":      {"exponential_backoff", "circuit_breaker"},
		"client":       {"fail_fast"},
		"rate_limit":   {"exponential_backoff"},
		"unknown":      {},
		"server":       {"exponential_backoff"},
		"timeout":      {"circuit_breaker"},
		"validation":   nil,
		"mapping":      nil,
		"plugin":       nil,
		"auth":         nil,
		"ratelimit":    {"exponential_backoff"},
		"network_typo": nil,
	})
	if err == nil {
		t.Fatalf("expected unknown category to be rejected, got %#v", policies)
	}

	policies, err = ParseCategoryPolicies(map[string][]string{
		"network": {"exponential_backoff", "circuit_breaker"},
		"client":  {"fail_fast"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !policies[CategoryNetwork].Has(StrategyCircuitBreaker) || policies[CategoryClient].Has(StrategyExponentialBackoff) {
		t.Fatalf("unexpected policies %#v", policies)
	}
}
