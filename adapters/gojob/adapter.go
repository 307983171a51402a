package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/goliatone/go-apilinker/adapters/gologger"
	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
	"github.com/goliatone/go-apilinker/sync"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDReplayDeadLetter  = "apilinker.dead_letter.replay"
	JobIDReplayDeadLetters = "apilinker.dead_letter.replay_all"
	JobIDSync              = "apilinker.sync"
)

// ErrReplayPending is returned by Execute when a replayed entry failed again
// and stays in the dead-letter queue.
var ErrReplayPending = errors.New("gojob: dead letter replay did not succeed")

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// delay doubles BaseDelay per attempt, bounded by MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

func ReplayMessage(id string) *job.ExecutionMessage {
	id = strings.TrimSpace(id)
	return &job.ExecutionMessage{
		JobID:          JobIDReplayDeadLetter,
		ScriptPath:     JobIDReplayDeadLetter,
		Parameters:     map[string]any{"id": id},
		IdempotencyKey: JobIDReplayDeadLetter + ":" + id,
	}
}

func ReplayAllMessage(filter dlq.Filter) *job.ExecutionMessage {
	params := map[string]any{}
	if filter.Category != "" {
		params["category"] = filter.Category.String()
	}
	if filter.OperationType != "" {
		params["operation_type"] = filter.OperationType
	}
	if filter.Resource != "" {
		params["resource"] = filter.Resource
	}
	if filter.CorrelationID != "" {
		params["correlation_id"] = filter.CorrelationID
	}
	if filter.Limit > 0 {
		params["limit"] = filter.Limit
	}
	return &job.ExecutionMessage{
		JobID:      JobIDReplayDeadLetters,
		ScriptPath: JobIDReplayDeadLetters,
		Parameters: params,
	}
}

// SyncMessage runs one mapping, or all of them when mapping is empty.
func SyncMessage(mapping string) *job.ExecutionMessage {
	params := map[string]any{}
	if mapping = strings.TrimSpace(mapping); mapping != "" {
		params["mapping"] = mapping
	}
	return &job.ExecutionMessage{
		JobID:      JobIDSync,
		ScriptPath: JobIDSync,
		Parameters: params,
	}
}

// FilterFromParameters rebuilds the dead-letter filter carried by a
// replay-all job.
func FilterFromParameters(params map[string]any) (dlq.Filter, error) {
	filter := dlq.Filter{
		OperationType: stringParam(params, "operation_type"),
		Resource:      stringParam(params, "resource"),
		CorrelationID: stringParam(params, "correlation_id"),
	}
	if raw := stringParam(params, "category"); raw != "" {
		category, ok := resilience.ParseCategory(raw)
		if !ok {
			return dlq.Filter{}, fmt.Errorf("gojob: unknown error category %q", raw)
		}
		filter.Category = category
	}
	switch limit := params["limit"].(type) {
	case int:
		filter.Limit = limit
	case int64:
		filter.Limit = int(limit)
	case float64:
		filter.Limit = int(limit)
	}
	return filter, nil
}

type Enqueuer struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuer(enqueuer queue.Enqueuer) *Enqueuer {
	return &Enqueuer{enqueuer: enqueuer}
}

func (e *Enqueuer) EnqueueReplay(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("gojob: dead letter id is required")
	}
	return e.enqueue(ctx, ReplayMessage(id))
}

func (e *Enqueuer) EnqueueReplayAll(ctx context.Context, filter dlq.Filter) error {
	return e.enqueue(ctx, ReplayAllMessage(filter))
}

func (e *Enqueuer) EnqueueSync(ctx context.Context, mapping string) error {
	return e.enqueue(ctx, SyncMessage(mapping))
}

func (e *Enqueuer) enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if e == nil || e.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return e.enqueuer.Enqueue(ctx, msg)
}

// Service is what the job handler runs against. *core.Service satisfies it.
type Service interface {
	Sync(ctx context.Context) ([]sync.Report, error)
	SyncMapping(ctx context.Context, name string) (sync.Report, error)
	ReplayDeadLetter(ctx context.Context, id string) (bool, error)
	ReplayDeadLetters(ctx context.Context, filter dlq.Filter) (dlq.ReplayReport, error)
}

type HandlerOption func(*Handler)

func WithRetryPolicy(policy RetryPolicy) HandlerOption {
	return func(h *Handler) {
		h.policy = policy
	}
}

func WithHook(hook worker.Hook) HandlerOption {
	return func(h *Handler) {
		if hook != nil {
			h.hook = hook
		}
	}
}

func WithLoggerProvider(provider glog.LoggerProvider) HandlerOption {
	return func(h *Handler) {
		h.provider = provider
	}
}

func WithLogger(logger glog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithClock(clock resilience.Clock) HandlerOption {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// Handler executes apilinker jobs pulled from a go-job queue and acks or
// nacks each delivery.
type Handler struct {
	service   Service
	policy    RetryPolicy
	hook      worker.Hook
	provider  glog.LoggerProvider
	logger    glog.Logger
	jobLogger job.Logger
	clock     resilience.Clock

	mu       stdsync.Mutex
	attempts map[string]int
}

func NewHandler(service Service, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("gojob: service is required")
	}
	h := &Handler{
		service:  service,
		policy:   RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, DeadLetterOnMax: true},
		hook:     nopHook{},
		clock:    resilience.SystemClock{},
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.provider, h.logger, _, h.jobLogger = gologger.ResolveForJob("apilinker.jobs", h.provider, h.logger)
	h.logger = glog.Ensure(h.logger)
	return h, nil
}

// JobLogger returns the handler's logger bridged to go-job, for queue and
// worker constructors that take one.
func (h *Handler) JobLogger() job.Logger {
	return h.jobLogger
}

// Execute runs one job message.
func (h *Handler) Execute(ctx context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	switch strings.TrimSpace(msg.JobID) {
	case JobIDReplayDeadLetter:
		id := stringParam(msg.Parameters, "id")
		if id == "" {
			return fmt.Errorf("gojob: replay job has no dead letter id")
		}
		ok, err := h.service.ReplayDeadLetter(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrReplayPending, id)
		}
		return nil
	case JobIDReplayDeadLetters:
		filter, err := FilterFromParameters(msg.Parameters)
		if err != nil {
			return err
		}
		report, err := h.service.ReplayDeadLetters(ctx, filter)
		if err != nil {
			return err
		}
		h.logger.Info("dead-letter replay job finished",
			"replayed", report.Replayed,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
		)
		return nil
	case JobIDSync:
		if mapping := stringParam(msg.Parameters, "mapping"); mapping != "" {
			_, err := h.service.SyncMapping(ctx, mapping)
			return err
		}
		_, err := h.service.Sync(ctx)
		return err
	default:
		return fmt.Errorf("gojob: unsupported job %q", msg.JobID)
	}
}

// Handle executes a delivery. Success acks it; failure nacks it with a
// bounded backoff until the retry policy gives up.
func (h *Handler) Handle(ctx context.Context, delivery queue.Delivery) error {
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	key := attemptKey(msg)
	attempt := h.nextAttempt(key)
	startedAt := h.clock.Now()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: startedAt}
	h.hook.OnStart(ctx, event)

	err := h.Execute(ctx, msg)
	event.Duration = h.clock.Now().Sub(startedAt)
	if err == nil {
		h.resetAttempts(key)
		h.hook.OnSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	event.Err = err
	nack := h.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   h.policy.delay(attempt),
		Requeue: true,
		Reason:  err.Error(),
	}, attempt)
	event.Delay = nack.Delay
	if nack.Requeue {
		h.hook.OnRetry(ctx, event)
	} else {
		h.resetAttempts(key)
		h.hook.OnFailure(ctx, event)
	}
	h.logger.Warn("apilinker job failed",
		"job_id", jobID(msg),
		"attempt", attempt,
		"requeue", nack.Requeue,
		"dead_letter", nack.DeadLetter,
		"error", err.Error(),
	)
	return delivery.Nack(ctx, nack)
}

// Run pulls deliveries until ctx ends or the dequeuer fails.
func (h *Handler) Run(ctx context.Context, dequeuer queue.Dequeuer) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is required")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if delivery == nil {
			continue
		}
		if err := h.Handle(ctx, delivery); err != nil {
			h.logger.Error("apilinker job settle failed", "error", err.Error())
		}
	}
}

func (h *Handler) nextAttempt(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[key]++
	return h.attempts[key]
}

func (h *Handler) resetAttempts(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, key)
}

// LoggingHook logs worker events.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (l *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	l.logger.Debug("apilinker job started", eventFields(event)...)
}

func (l *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	l.logger.Info("apilinker job succeeded", eventFields(event)...)
}

func (l *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	l.logger.Error("apilinker job failed permanently", eventFields(event)...)
}

func (l *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	l.logger.Warn("apilinker job scheduled for retry", eventFields(event)...)
}

type nopHook struct{}

func (nopHook) OnStart(context.Context, worker.Event)   {}
func (nopHook) OnSuccess(context.Context, worker.Event) {}
func (nopHook) OnFailure(context.Context, worker.Event) {}
func (nopHook) OnRetry(context.Context, worker.Event)   {}

func eventFields(event worker.Event) []any {
	fields := []any{
		"job_id", jobID(event.Message),
		"attempt", event.Attempt,
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.Delay > 0 {
		fields = append(fields, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

func attemptKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return fmt.Sprintf("%s:%v", strings.TrimSpace(msg.JobID), msg.Parameters)
}

func jobID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return msg.JobID
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

var (
	_ worker.Hook = (*LoggingHook)(nil)
	_ worker.Hook = nopHook{}
)
