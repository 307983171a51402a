package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// RetryPolicy retries an operation according to the strategies configured for
// the category of each failure.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	Categories     map[Category]CategoryPolicy
	Clock          Clock
	Random         func() float64
	Breakers       *Breakers
	Logger         glog.Logger
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.1,
		Categories:     DefaultCategoryPolicies(),
	}
}

// Outcome describes how a retried operation ended.
type Outcome struct {
	Resource    string
	Attempts    int
	Category    Category
	Err         error
	CircuitOpen bool
	Exhausted   bool
	Delays      []time.Duration
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

func (p *RetryPolicy) resolved() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p == nil {
		defaults.Clock = SystemClock{}
		defaults.Logger = glog.Nop()
		defaults.Random = rand.Float64
		return defaults
	}
	resolved := *p
	if resolved.MaxAttempts <= 0 {
		resolved.MaxAttempts = defaults.MaxAttempts
	}
	if resolved.BaseDelay <= 0 {
		resolved.BaseDelay = defaults.BaseDelay
	}
	if resolved.MaxDelay <= 0 {
		resolved.MaxDelay = defaults.MaxDelay
	}
	if resolved.MaxDelay < resolved.BaseDelay {
		resolved.MaxDelay = resolved.BaseDelay
	}
	if resolved.JitterFraction < 0 {
		resolved.JitterFraction = 0
	}
	if resolved.JitterFraction > 1 {
		resolved.JitterFraction = 1
	}
	if resolved.Categories == nil {
		resolved.Categories = defaults.Categories
	}
	if resolved.Clock == nil {
		resolved.Clock = SystemClock{}
	}
	if resolved.Random == nil {
		resolved.Random = rand.Float64
	}
	if resolved.Logger == nil {
		resolved.Logger = glog.Nop()
	}
	return resolved
}

// Backoff returns min(MaxDelay, BaseDelay * 2^(attempt-1)) without jitter.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	cfg := p.resolved()
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return min(delay, cfg.MaxDelay)
}

// Delay adds jitter in [0, backoff*JitterFraction] to Backoff(attempt).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	cfg := p.resolved()
	delay := p.Backoff(attempt)
	if cfg.JitterFraction == 0 {
		return delay
	}
	sample := cfg.Random()
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	return delay + time.Duration(float64(delay)*cfg.JitterFraction*sample)
}

func (p *RetryPolicy) PolicyFor(category Category) CategoryPolicy {
	cfg := p.resolved()
	return cfg.Categories[category]
}

// Execute runs op until it succeeds, fails with a category that is not
// retried, runs out of attempts, or ctx ends. When Breakers is set every
// attempt is admitted by the breaker for resource; an open circuit ends the
// loop immediately.
func (p *RetryPolicy) Execute(ctx context.Context, resource string, op Operation) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resource = strings.TrimSpace(resource)
	outcome := Outcome{Resource: resource}
	if op == nil {
		outcome.Err = fmt.Errorf("resilience: operation is required")
		outcome.Category = CategoryUnknown
		return outcome, outcome.Err
	}

	cfg := p.resolved()
	var breaker *Breaker
	if cfg.Breakers != nil && resource != "" {
		breaker = cfg.Breakers.Get(resource)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return abort(outcome, err)
		}

		var ticket *Ticket
		if breaker != nil {
			admitted, err := breaker.Allow()
			if err != nil {
				outcome.CircuitOpen = true
				outcome.Err = err
				outcome.Category = Classify(err)
				cfg.Logger.Warn("operation rejected by open circuit",
					"resource", resource, "attempt", attempt, "category", outcome.Category.String())
				return outcome, outcome.operationError()
			}
			ticket = admitted
		}

		outcome.Attempts = attempt
		err := op(ctx)
		category := CategoryUnknown
		if err != nil {
			category = Classify(err)
		}
		policy := cfg.Categories[category]
		if ticket != nil {
			if errors.Is(err, context.Canceled) {
				ticket.Release()
			} else {
				ticket.DoneWithCategory(err != nil && policy.Has(StrategyCircuitBreaker), category)
			}
		}

		if err == nil {
			outcome.Err = nil
			outcome.Category = ""
			return outcome, nil
		}
		outcome.Err = err
		outcome.Category = category

		if ctxErr := ctx.Err(); ctxErr != nil {
			return abort(outcome, ctxErr)
		}
		if !policy.Has(StrategyExponentialBackoff) {
			cfg.Logger.Debug("operation failed with non retryable error",
				"resource", resource, "attempt", attempt, "category", category.String(), "error", err.Error())
			return outcome, outcome.operationError()
		}
		limit := cfg.MaxAttempts
		if policy.MaxAttempts > 0 {
			limit = policy.MaxAttempts
		}
		if attempt >= limit {
			outcome.Exhausted = true
			cfg.Logger.Warn("operation exhausted retry attempts",
				"resource", resource, "attempts", attempt, "category", category.String(), "error", err.Error())
			return outcome, outcome.operationError()
		}

		delay := cfg.delayFor(attempt, err)
		outcome.Delays = append(outcome.Delays, delay)
		cfg.Logger.Info("retrying operation",
			"resource", resource, "attempt", attempt, "category", category.String(), "delay", delay.String())
		if err := cfg.Clock.Sleep(ctx, delay); err != nil {
			return abort(outcome, err)
		}
	}
}

func (p RetryPolicy) delayFor(attempt int, err error) time.Duration {
	delay := p.Delay(attempt)
	var hint RetryAfterHint
	if errors.As(err, &hint) {
		if wait := hint.RetryAfter(); wait > delay {
			delay = min(wait, p.MaxDelay)
		}
	}
	return delay
}

func abort(outcome Outcome, ctxErr error) (Outcome, error) {
	if outcome.Err != nil {
		ctxErr = fmt.Errorf("%w (last error: %v)", ctxErr, outcome.Err)
	}
	outcome.Err = ctxErr
	outcome.Category = Classify(ctxErr)
	return outcome, outcome.operationError()
}

func (o Outcome) operationError() error {
	return &OperationError{
		Resource:    o.Resource,
		Category:    o.Category,
		Attempts:    o.Attempts,
		Exhausted:   o.Exhausted,
		CircuitOpen: o.CircuitOpen,
		Err:         o.Err,
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, policy *RetryPolicy, resource string, fn func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var result T
	outcome, err := policy.Execute(ctx, resource, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, outcome, err
	}
	return result, outcome, nil
}
