package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-apilinker/resilience"
	glog "github.com/goliatone/go-logger/glog"
)

// Operation describes a guarded call well enough to replay it later.
type Operation struct {
	Type          string
	Resource      string
	Payload       map[string]any
	CorrelationID string
	Metadata      map[string]any
}

type Result struct {
	Outcome      resilience.Outcome
	DeadLetterID string
}

// Guard runs operations under a retry policy and dead-letters the ones that
// exhaust their attempts or hit an open circuit.
type Guard struct {
	retry  *resilience.RetryPolicy
	queue  *Queue
	logger glog.Logger
}

type GuardOption func(*Guard)

func WithGuardLogger(logger glog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGuard(retry *resilience.RetryPolicy, queue *Queue, opts ...GuardOption) *Guard {
	guard := &Guard{retry: retry, queue: queue, logger: glog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}
	return guard
}

func (g *Guard) Retry() *resilience.RetryPolicy {
	if g == nil {
		return nil
	}
	return g.retry
}

func (g *Guard) Queue() *Queue {
	if g == nil {
		return nil
	}
	return g.queue
}

func (g *Guard) Run(ctx context.Context, op Operation, fn resilience.Operation) (Result, error) {
	if g == nil {
		return Result{}, fmt.Errorf("dlq: guard is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	outcome, err := g.retry.Execute(ctx, op.Resource, fn)
	result := Result{Outcome: outcome}
	if err == nil || !shouldCapture(outcome) || g.queue == nil {
		return result, err
	}

	metadata := cloneMap(op.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if outcome.CircuitOpen {
		metadata["circuit_open"] = true
	}
	cause := outcome.Err
	if cause == nil {
		cause = err
	}
	id, enqueueErr := g.queue.Enqueue(context.WithoutCancel(ctx), Entry{
		OperationType: strings.TrimSpace(op.Type),
		Resource:      op.Resource,
		Payload:       cloneMap(op.Payload),
		ErrorCategory: outcome.Category,
		ErrorMessage:  cause.Error(),
		AttemptCount:  max(1, outcome.Attempts),
		CorrelationID: op.CorrelationID,
		Metadata:      metadata,
	})
	if enqueueErr != nil {
		g.logger.Error("dead-letter capture failed",
			"resource", op.Resource,
			"operation_type", op.Type,
			"error", enqueueErr.Error(),
		)
		return result, errors.Join(err, enqueueErr)
	}
	result.DeadLetterID = id
	return result, err
}

func shouldCapture(outcome resilience.Outcome) bool {
	return outcome.Exhausted || outcome.CircuitOpen
}
