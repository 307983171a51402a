package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/mapping"
	"github.com/goliatone/go-apilinker/resilience"
	"github.com/goliatone/go-apilinker/transport"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Operation types recorded on dead-letter entries.
const (
	OperationFetch = dlq.OperationFetch
	OperationMap   = dlq.OperationMap
	OperationSend  = dlq.OperationSend
)

// Mapping links a source endpoint to a target endpoint through field rules.
type Mapping struct {
	Name   string
	Source string
	Target string
	Params map[string]any
	Rules  []mapping.Rule
}

func (m Mapping) Validate() error {
	if strings.TrimSpace(m.Source) == "" {
		return fmt.Errorf("sync: mapping %q requires a source endpoint", m.Name)
	}
	if strings.TrimSpace(m.Target) == "" {
		return fmt.Errorf("sync: mapping %q requires a target endpoint", m.Name)
	}
	if len(m.Rules) == 0 {
		return fmt.Errorf("sync: mapping %q has no rules", m.Name)
	}
	return nil
}

func (m Mapping) label() string {
	if name := strings.TrimSpace(m.Name); name != "" {
		return name
	}
	return m.Source + "->" + m.Target
}

// Failure is one record (or the whole fetch, Index -1) that did not reach the
// target.
type Failure struct {
	Index         int                 `json:"index"`
	Stage         string              `json:"stage"`
	Category      resilience.Category `json:"category"`
	CorrelationID string              `json:"correlation_id"`
	DeadLetterID  string              `json:"dead_letter_id,omitempty"`
	Message       string              `json:"message"`
}

type Report struct {
	Mapping       string    `json:"mapping"`
	CorrelationID string    `json:"correlation_id"`
	Fetched       int       `json:"fetched"`
	Mapped        int       `json:"mapped"`
	Sent          int       `json:"sent"`
	Failed        int       `json:"failed"`
	Failures      []Failure `json:"failures,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

func (r Report) Succeeded() bool {
	return r.Failed == 0
}

func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner moves records from a source to a sink: fetch, map the batch, send
// each mapped record. Every stage runs under the dead-letter guard.
type Runner struct {
	source      transport.Source
	sink        transport.Sink
	mapper      *mapping.Mapper
	guard       *dlq.Guard
	logger      glog.Logger
	clock       resilience.Clock
	newID       func() string
	concurrency int
}

type RunnerOption func(*Runner)

func WithLogger(logger glog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(clock resilience.Clock) RunnerOption {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithCorrelationIDs(fn func() string) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithSendConcurrency bounds parallel sends. Values below 1 mean sequential.
func WithSendConcurrency(limit int) RunnerOption {
	return func(r *Runner) {
		r.concurrency = max(1, limit)
	}
}

func NewRunner(
	source transport.Source,
	sink transport.Sink,
	mapper *mapping.Mapper,
	guard *dlq.Guard,
	opts ...RunnerOption,
) (*Runner, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("sync: source is required")
	case sink == nil:
		return nil, fmt.Errorf("sync: sink is required")
	case mapper == nil:
		return nil, fmt.Errorf("sync: mapper is required")
	case guard == nil || guard.Retry() == nil:
		return nil, fmt.Errorf("sync: guard is required")
	}
	runner := &Runner{
		source:      source,
		sink:        sink,
		mapper:      mapper,
		guard:       guard,
		logger:      glog.Nop(),
		clock:       resilience.SystemClock{},
		newID:       uuid.NewString,
		concurrency: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

// fetchFunc loads the source records of one run.
type fetchFunc func(ctx context.Context, m Mapping, correlationID string) ([]map[string]any, dlq.Result, error)

// Run executes one mapping. The error is non-nil only when the fetch stage
// fails; per-record failures are reported and dead-lettered.
func (r *Runner) Run(ctx context.Context, m Mapping) (Report, error) {
	return r.run(ctx, m, r.fetch)
}

func (r *Runner) run(ctx context.Context, m Mapping, load fetchFunc) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := Report{
		Mapping:       m.label(),
		CorrelationID: r.newID(),
		StartedAt:     r.clock.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return report, err
	}

	records, fetchResult, err := load(ctx, m, report.CorrelationID)
	if err != nil {
		report.Failed++
		report.Failures = append(report.Failures, Failure{
			Index:         -1,
			Stage:         OperationFetch,
			Category:      categoryOf(fetchResult.Outcome, err),
			CorrelationID: report.CorrelationID,
			DeadLetterID:  fetchResult.DeadLetterID,
			Message:       err.Error(),
		})
		report.FinishedAt = r.clock.Now().UTC()
		r.logger.Error("sync fetch failed",
			"mapping", report.Mapping,
			"correlation_id", report.CorrelationID,
			"error", err.Error(),
		)
		return report, fmt.Errorf("sync: fetch %s: %w", m.Source, err)
	}
	report.Fetched = len(records)

	targets, recordErrs := r.mapper.MapBatch(ctx, records, m.Rules)
	for _, recordErr := range recordErrs {
		report.Failures = append(report.Failures, r.captureMapFailure(ctx, m, report.CorrelationID, records[recordErr.Index], recordErr))
	}
	report.Mapped = len(records) - len(recordErrs)

	sendFailed := 0
	for _, failure := range r.sendAll(ctx, m, report.CorrelationID, targets) {
		if failure != nil {
			report.Failures = append(report.Failures, *failure)
			sendFailed++
		}
	}
	report.Failed = len(report.Failures)
	report.Sent = report.Mapped - sendFailed
	report.FinishedAt = r.clock.Now().UTC()

	r.logger.Info("sync run finished",
		"mapping", report.Mapping,
		"correlation_id", report.CorrelationID,
		"fetched", report.Fetched,
		"mapped", report.Mapped,
		"sent", report.Sent,
		"failed", report.Failed,
		"duration_ms", report.Duration().Milliseconds(),
	)
	return report, nil
}

func (r *Runner) fetch(ctx context.Context, m Mapping, correlationID string) ([]map[string]any, dlq.Result, error) {
	var records []map[string]any
	result, err := r.guard.Run(ctx, dlq.Operation{
		Type:          OperationFetch,
		Resource:      resourceName(r.source, m.Source),
		Payload:       mappingPayload(m),
		CorrelationID: correlationID,
	}, func(ctx context.Context) error {
		fetched, err := r.source.Fetch(ctx, m.Source, cloneParams(m.Params))
		if err != nil {
			return err
		}
		records = fetched
		return nil
	})
	return records, result, err
}

// refetch retries the fetch without dead-lettering it; a replayed fetch entry
// stays the only record of that failure.
func (r *Runner) refetch(ctx context.Context, m Mapping, _ string) ([]map[string]any, dlq.Result, error) {
	var records []map[string]any
	outcome, err := r.guard.Retry().Execute(ctx, resourceName(r.source, m.Source), func(ctx context.Context) error {
		fetched, err := r.source.Fetch(ctx, m.Source, cloneParams(m.Params))
		if err != nil {
			return err
		}
		records = fetched
		return nil
	})
	return records, dlq.Result{Outcome: outcome}, err
}

func (r *Runner) captureMapFailure(
	ctx context.Context,
	m Mapping,
	correlationID string,
	record map[string]any,
	recordErr *mapping.RecordError,
) Failure {
	failure := Failure{
		Index:         recordErr.Index,
		Stage:         OperationMap,
		Category:      resilience.Classify(recordErr),
		CorrelationID: correlationID,
		Message:       recordErr.Error(),
	}
	payload := mappingPayload(m)
	payload["record"] = record
	id, err := r.guard.Queue().Enqueue(context.WithoutCancel(ctx), dlq.Entry{
		OperationType: OperationMap,
		Resource:      resourceName(r.sink, m.Target),
		Payload:       payload,
		ErrorCategory: failure.Category,
		ErrorMessage:  failure.Message,
		AttemptCount:  1,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"index": recordErr.Index, "record_id": recordErr.RecordID},
	})
	if err != nil {
		r.logger.Error("dead-letter capture failed", "stage", OperationMap, "error", err.Error())
		return failure
	}
	failure.DeadLetterID = id
	return failure
}

func (r *Runner) sendAll(ctx context.Context, m Mapping, correlationID string, targets []map[string]any) []*Failure {
	failures := make([]*Failure, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for idx, target := range targets {
		if target == nil {
			continue
		}
		group.Go(func() error {
			result, err := r.send(groupCtx, m, correlationID, idx, target)
			if err != nil {
				failures[idx] = &Failure{
					Index:         idx,
					Stage:         OperationSend,
					Category:      categoryOf(result.Outcome, err),
					CorrelationID: correlationID,
					DeadLetterID:  result.DeadLetterID,
					Message:       err.Error(),
				}
			}
			return nil
		})
	}
	_ = group.Wait()
	return failures
}

func (r *Runner) send(ctx context.Context, m Mapping, correlationID string, idx int, target map[string]any) (dlq.Result, error) {
	return r.guard.Run(ctx, dlq.Operation{
		Type:     OperationSend,
		Resource: resourceName(r.sink, m.Target),
		Payload: map[string]any{
			"mapping":  m.label(),
			"endpoint": m.Target,
			"record":   target,
		},
		CorrelationID: correlationID,
		Metadata:      map[string]any{"index": idx},
	}, func(ctx context.Context) error {
		return r.sink.Send(ctx, m.Target, target)
	})
}

func categoryOf(outcome resilience.Outcome, err error) resilience.Category {
	if outcome.Category != "" && outcome.Category != resilience.CategoryUnknown {
		return outcome.Category
	}
	return resilience.Classify(err)
}

// resourceName qualifies endpoint with the connector name when the endpoint
// owner exposes one.
func resourceName(owner any, endpoint string) string {
	if named, ok := owner.(interface{ Resource(string) string }); ok {
		return named.Resource(endpoint)
	}
	return endpoint
}

// mappingPayload carries everything a replay needs, rules included.
func mappingPayload(m Mapping) map[string]any {
	rules := make([]any, 0, len(m.Rules))
	for _, rule := range m.Rules {
		rules = append(rules, rule.ToMap())
	}
	return map[string]any{
		"mapping": m.label(),
		"source":  m.Source,
		"target":  m.Target,
		"params":  cloneParams(m.Params),
		"rules":   rules,
	}
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for key, value := range params {
		out[key] = value
	}
	return out
}
