package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type countingStore struct {
	*MemoryStore
	mu       sync.Mutex
	getCalls int
}

func (s *countingStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, id)
}

func (s *countingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func TestCachedStore_GetHitsCacheUntilWrite(t *testing.T) {
	base := &countingStore{MemoryStore: NewMemoryStore()}
	cacheService, err := NewDefaultCacheService(60)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	store, err := NewCachedStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, Entry{ID: "a", OperationType: OperationSend, AttemptCount: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Get(ctx, "a"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := store.Get(ctx, "a"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.calls() != 1 {
		t.Fatalf("expected one base read, got %d", base.calls())
	}

	if err := store.Update(ctx, Entry{ID: "a", OperationType: OperationSend, AttemptCount: 2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	entry, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if entry.AttemptCount != 2 {
		t.Fatalf("expected fresh entry after update, got %d", entry.AttemptCount)
	}
	if base.calls() != 2 {
		t.Fatalf("expected update to invalidate cache, base reads=%d", base.calls())
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "a"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestNewCachedStore_RequiresDependencies(t *testing.T) {
	if _, err := NewCachedStore(nil, nil); err == nil {
		t.Fatalf("expected missing base store to fail")
	}
	if _, err := NewCachedStore(NewMemoryStore(), nil); err == nil {
		t.Fatalf("expected missing cache service to fail")
	}
}

func TestEntryCacheKey_EscapesID(t *testing.T) {
	if got := EntryCacheKey(" a/b "); got != "go-apilinker::dlq_entry::v1::a%2Fb" {
		t.Fatalf("unexpected cache key %q", got)
	}
}
