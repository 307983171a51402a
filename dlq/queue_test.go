package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-apilinker/resilience"
)

func newTestQueue(t *testing.T, store Store) (*Queue, *resilience.ManualClock) {
	t.Helper()
	clock := resilience.NewManualClock(time.Time{})
	counter := 0
	queue, err := NewQueue(store, WithClock(clock), WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("dl_%03d", counter)
	}))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue, clock
}

func TestQueue_EnqueueFillsDefaults(t *testing.T) {
	queue, clock := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, Entry{
		OperationType: OperationSend,
		Resource:      "target",
		Payload:       map[string]any{"record": map[string]any{"id": 7}},
		ErrorCategory: resilience.CategoryServer,
		ErrorMessage:  "upstream 503",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "dl_001" {
		t.Fatalf("expected generated id dl_001, got %q", id)
	}

	entry, err := queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", entry.AttemptCount)
	}
	if !entry.Timestamp.Equal(clock.Now().UTC()) {
		t.Fatalf("expected timestamp from clock, got %v", entry.Timestamp)
	}
	record, _ := entry.Payload["record"].(map[string]any)
	if record["id"] != 7 {
		t.Fatalf("expected payload preserved, got %#v", entry.Payload)
	}
}

func TestQueue_EnqueueRequiresOperationType(t *testing.T) {
	queue, _ := newTestQueue(t, NewMemoryStore())
	if _, err := queue.Enqueue(context.Background(), Entry{}); err == nil {
		t.Fatalf("expected missing operation type to fail")
	}
}

func TestQueue_ListFiltersAndOrders(t *testing.T) {
	queue, clock := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()

	seed := []Entry{
		{OperationType: OperationSend, ErrorCategory: resilience.CategoryServer},
		{OperationType: OperationMap, ErrorCategory: resilience.CategoryMapping},
		{OperationType: OperationSend, ErrorCategory: resilience.CategoryNetwork},
		{OperationType: OperationSend, ErrorCategory: resilience.CategoryServer},
	}
	for _, entry := range seed {
		if _, err := queue.Enqueue(ctx, entry); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		clock.Advance(time.Second)
	}

	all, err := queue.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ID != "dl_001" || all[3].ID != "dl_004" {
		t.Fatalf("expected 4 entries oldest first, got %+v", all)
	}

	servers, err := queue.List(ctx, Filter{Category: resilience.CategoryServer})
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	if len(servers) != 2 || servers[0].ID != "dl_001" || servers[1].ID != "dl_004" {
		t.Fatalf("unexpected server entries: %+v", servers)
	}

	page, err := queue.List(ctx, Filter{OperationType: OperationSend, Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "dl_003" {
		t.Fatalf("unexpected page: %+v", page)
	}

	count, err := queue.Count(ctx, Filter{OperationType: OperationSend, Limit: 1})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count to ignore paging, got %d", count)
	}
}

func TestQueue_ReplaySuccessRemovesEntry(t *testing.T) {
	queue, _ := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()
	id, err := queue.Enqueue(ctx, Entry{OperationType: OperationSend, Payload: map[string]any{"n": 1}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var seen Entry
	ok, err := queue.Replay(ctx, id, func(_ context.Context, entry Entry) error {
		seen = entry
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("expected successful replay, got ok=%v err=%v", ok, err)
	}
	if seen.Payload["n"] != 1 {
		t.Fatalf("expected replay to receive payload, got %#v", seen.Payload)
	}
	if _, err := queue.Get(ctx, id); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected entry removed, got %v", err)
	}
}

func TestQueue_ReplayFailureIncrementsAttempts(t *testing.T) {
	queue, clock := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()
	id, err := queue.Enqueue(ctx, Entry{
		OperationType: OperationSend,
		ErrorCategory: resilience.CategoryServer,
		AttemptCount:  3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.Advance(time.Minute)

	ok, err := queue.Replay(ctx, id, func(context.Context, Entry) error {
		return &statusError{code: 401}
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if ok {
		t.Fatalf("expected failed replay")
	}

	entry, err := queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.AttemptCount != 4 {
		t.Fatalf("expected attempt count 4, got %d", entry.AttemptCount)
	}
	if entry.ErrorCategory != resilience.CategoryAuthentication {
		t.Fatalf("expected category from replay error, got %q", entry.ErrorCategory)
	}
	if entry.ErrorMessage != "status 401" {
		t.Fatalf("expected replay error message, got %q", entry.ErrorMessage)
	}
	if !entry.UpdatedAt.After(entry.Timestamp) {
		t.Fatalf("expected updated_at to advance, got %v vs %v", entry.UpdatedAt, entry.Timestamp)
	}
}

func TestQueue_ReplayUnknownEntry(t *testing.T) {
	queue, _ := newTestQueue(t, NewMemoryStore())
	_, err := queue.Replay(context.Background(), "missing", func(context.Context, Entry) error { return nil })
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueue_ConcurrentReplayRunsOnce(t *testing.T) {
	queue, _ := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()
	id, err := queue.Enqueue(ctx, Entry{OperationType: OperationSend})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = queue.Replay(ctx, id, func(context.Context, Entry) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("expected exactly one replay, got %d", calls)
	}
}

func TestQueue_ReplayAllReports(t *testing.T) {
	queue, clock := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()
	for i := range 3 {
		if _, err := queue.Enqueue(ctx, Entry{OperationType: OperationSend, Payload: map[string]any{"n": i}}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		clock.Advance(time.Second)
	}

	report, err := queue.ReplayAll(ctx, Filter{}, func(_ context.Context, entry Entry) error {
		if entry.Payload["n"] == 1 {
			return &statusError{code: 500}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay all: %v", err)
	}
	if report.Replayed != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Remaining) != 1 || report.Remaining[0] != "dl_002" {
		t.Fatalf("expected dl_002 remaining, got %v", report.Remaining)
	}
	count, _ := queue.Count(ctx, Filter{})
	if count != 1 {
		t.Fatalf("expected one entry left, got %d", count)
	}
}

func TestQueue_Purge(t *testing.T) {
	queue, _ := newTestQueue(t, NewMemoryStore())
	ctx := context.Background()
	id, err := queue.Enqueue(ctx, Entry{OperationType: OperationFetch})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Purge(ctx, id); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := queue.Purge(ctx, id); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected second purge to report not found, got %v", err)
	}
}

func TestQueue_NilIsNotConfigured(t *testing.T) {
	var queue *Queue
	if _, err := queue.List(context.Background(), Filter{}); err == nil {
		t.Fatalf("expected nil queue to fail")
	}
	if _, err := NewQueue(nil); err == nil {
		t.Fatalf("expected nil store to fail")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Put(ctx, Entry{ID: "a", Payload: map[string]any{"nested": map[string]any{"x": 1}}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, _ := store.Get(ctx, "a")
	entry.Payload["nested"].(map[string]any)["x"] = 2

	again, _ := store.Get(ctx, "a")
	if again.Payload["nested"].(map[string]any)["x"] != 1 {
		t.Fatalf("expected stored payload to be isolated from callers")
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }
