package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-apilinker/resilience"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

// ReplayFunc re-runs the operation described by entry.
type ReplayFunc func(ctx context.Context, entry Entry) error

type QueueOption func(*Queue)

func WithClock(clock resilience.Clock) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

func WithLogger(logger glog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithIDGenerator(fn func() string) QueueOption {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

// Queue is the dead-letter queue API over a Store.
type Queue struct {
	store  Store
	clock  resilience.Clock
	logger glog.Logger
	newID  func() string
	locks  *keyedLocker
}

func NewQueue(store Store, opts ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("dlq: store is required")
	}
	queue := &Queue{
		store:  store,
		clock:  resilience.SystemClock{},
		logger: glog.Nop(),
		newID:  func() string { return uuid.NewString() },
		locks:  newKeyedLocker(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(queue)
		}
	}
	return queue, nil
}

func (q *Queue) Store() Store {
	if q == nil {
		return nil
	}
	return q.store
}

// Enqueue stores entry and returns its id. Missing ids, timestamps and
// attempt counts are filled in.
func (q *Queue) Enqueue(ctx context.Context, entry Entry) (string, error) {
	if err := q.ready(); err != nil {
		return "", err
	}
	entry.OperationType = strings.TrimSpace(entry.OperationType)
	if entry.OperationType == "" {
		return "", fmt.Errorf("dlq: operation type is required")
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = q.newID()
	}
	now := q.clock.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	entry.UpdatedAt = now
	if entry.AttemptCount < 1 {
		entry.AttemptCount = 1
	}
	if entry.ErrorCategory == "" {
		entry.ErrorCategory = resilience.CategoryUnknown
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	if err := q.store.Put(ctx, cloneEntry(entry)); err != nil {
		return "", fmt.Errorf("dlq: enqueue: %w", err)
	}
	q.logger.Warn("operation dead-lettered",
		"id", entry.ID,
		"operation_type", entry.OperationType,
		"resource", entry.Resource,
		"category", entry.ErrorCategory.String(),
		"attempts", entry.AttemptCount,
		"correlation_id", entry.CorrelationID,
	)
	return entry.ID, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Entry, error) {
	if err := q.ready(); err != nil {
		return Entry{}, err
	}
	return q.store.Get(ctx, strings.TrimSpace(id))
}

func (q *Queue) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	return q.store.List(ctx, filter)
}

func (q *Queue) Count(ctx context.Context, filter Filter) (int, error) {
	filter.Limit = 0
	filter.Offset = 0
	entries, err := q.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Replay runs fn with the stored entry. Success removes the entry; failure
// increments its attempt count, records the new error and keeps it.
func (q *Queue) Replay(ctx context.Context, id string, fn ReplayFunc) (bool, error) {
	if err := q.ready(); err != nil {
		return false, err
	}
	if fn == nil {
		return false, fmt.Errorf("dlq: replay function is required")
	}
	id = strings.TrimSpace(id)
	unlock := q.locks.lock(id)
	defer unlock()

	entry, err := q.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	replayErr := fn(ctx, cloneEntry(entry))
	if replayErr == nil {
		if err := q.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return false, fmt.Errorf("dlq: remove replayed entry: %w", err)
		}
		q.logger.Info("dead-letter replay succeeded", "id", id, "operation_type", entry.OperationType)
		return true, nil
	}

	entry.AttemptCount++
	entry.ErrorCategory = resilience.Classify(replayErr)
	entry.ErrorMessage = replayErr.Error()
	entry.UpdatedAt = q.clock.Now().UTC()
	if err := q.store.Update(ctx, entry); err != nil {
		return false, fmt.Errorf("dlq: record failed replay: %w", err)
	}
	q.logger.Warn("dead-letter replay failed",
		"id", id,
		"attempts", entry.AttemptCount,
		"category", entry.ErrorCategory.String(),
		"error", replayErr.Error(),
	)
	return false, nil
}

type ReplayReport struct {
	Replayed  int      `json:"replayed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Remaining []string `json:"remaining,omitempty"`
}

// ReplayAll replays every entry matching filter, oldest first. It stops early
// only when ctx ends or the store fails.
func (q *Queue) ReplayAll(ctx context.Context, filter Filter, fn ReplayFunc) (ReplayReport, error) {
	entries, err := q.List(ctx, filter)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ok, err := q.Replay(ctx, entry.ID, fn)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return report, err
		}
		report.Replayed++
		if ok {
			report.Succeeded++
			continue
		}
		report.Failed++
		report.Remaining = append(report.Remaining, entry.ID)
	}
	return report, nil
}

func (q *Queue) Purge(ctx context.Context, id string) error {
	if err := q.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	unlock := q.locks.lock(id)
	defer unlock()
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	q.logger.Info("dead-letter entry purged", "id", id)
	return nil
}

// Close closes the underlying store when it supports closing.
func (q *Queue) Close() error {
	if q == nil || q.store == nil {
		return nil
	}
	if closer, ok := q.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (q *Queue) ready() error {
	if q == nil || q.store == nil {
		return fmt.Errorf("dlq: queue is not configured")
	}
	return nil
}

type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: map[string]*keyedLock{}}
}

func (l *keyedLocker) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
