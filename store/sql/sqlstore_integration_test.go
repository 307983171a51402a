package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/resilience"
	sqlstore "github.com/goliatone/go-apilinker/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/google/uuid"
)

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"apilinker_dead_letters",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "apilinker_dead_letters" {
		t.Fatalf("expected apilinker_dead_letters table, got %q", tableName)
	}
}

func TestDeadLetterStore_CRUD(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.DeadLetterStore()
	if store == nil {
		t.Fatalf("expected dead-letter store from factory")
	}

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := dlq.Entry{
		ID:            uuid.NewString(),
		OperationType: dlq.OperationSend,
		Resource:      "target",
		Payload:       map[string]any{"record": map[string]any{"status": "opened"}},
		ErrorCategory: resilience.CategoryServer,
		ErrorMessage:  "upstream 503",
		Timestamp:     ts,
		UpdatedAt:     ts,
		AttemptCount:  3,
		CorrelationID: "run-1",
		Metadata:      map[string]any{"circuit_open": true},
	}
	second := dlq.Entry{
		ID:            uuid.NewString(),
		OperationType: dlq.OperationMap,
		Payload:       map[string]any{"source": map[string]any{"id": "r-2"}},
		ErrorCategory: resilience.CategoryMapping,
		ErrorMessage:  "transform not found",
		Timestamp:     ts.Add(time.Minute),
		UpdatedAt:     ts.Add(time.Minute),
		AttemptCount:  1,
	}
	for _, entry := range []dlq.Entry{first, second} {
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("put %s: %v", entry.ID, err)
		}
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AttemptCount != 3 || got.ErrorCategory != resilience.CategoryServer || got.CorrelationID != "run-1" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	record, _ := got.Payload["record"].(map[string]any)
	if record["status"] != "opened" {
		t.Fatalf("expected payload to round trip, got %#v", got.Payload)
	}
	if got.Metadata["circuit_open"] != true {
		t.Fatalf("expected metadata to round trip, got %#v", got.Metadata)
	}

	all, err := store.List(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("expected entries oldest first, got %+v", all)
	}

	mapping, err := store.List(ctx, dlq.Filter{Category: resilience.CategoryMapping})
	if err != nil {
		t.Fatalf("list mapping: %v", err)
	}
	if len(mapping) != 1 || mapping[0].ID != second.ID {
		t.Fatalf("expected mapping entry only, got %+v", mapping)
	}

	paged, err := store.List(ctx, dlq.Filter{Offset: 1})
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != second.ID {
		t.Fatalf("expected offset to skip first entry, got %+v", paged)
	}

	got.AttemptCount = 4
	got.ErrorMessage = "still failing"
	got.UpdatedAt = ts.Add(time.Hour)
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if updated.AttemptCount != 4 || updated.ErrorMessage != "still failing" {
		t.Fatalf("expected update to persist, got %+v", updated)
	}

	if err := store.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, first.ID); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.Delete(ctx, first.ID); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
	if err := store.Update(ctx, got); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Fatalf("expected update of missing entry to report not found, got %v", err)
	}
}

func TestDeadLetterStore_QueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dlq.db")
	cfg := sqlstore.PersistenceConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?_foreign_keys=on", path),
	}

	client, err := sqlstore.OpenPersistence(ctx, cfg)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	store, err := sqlstore.NewDeadLetterStore(client.DB())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	queue, err := dlq.NewQueue(store)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	payload := map[string]any{
		"endpoint": "create_ticket",
		"record":   map[string]any{"id": "r-1", "ticket_id": int64(9007199254740993), "score": 0.5},
	}
	id, err := queue.Enqueue(ctx, dlq.Entry{
		OperationType: dlq.OperationSend,
		Resource:      "target",
		ErrorCategory: resilience.CategoryNetwork,
		AttemptCount:  3,
		Payload:       payload,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlstore.OpenPersistence(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	reopenedStore, err := sqlstore.NewDeadLetterStore(reopened.DB())
	if err != nil {
		t.Fatalf("new reopened store: %v", err)
	}
	entry, err := reopenedStore.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if entry.AttemptCount != 3 || entry.ErrorCategory != resilience.CategoryNetwork {
		t.Fatalf("unexpected entry after reopen: %+v", entry)
	}
	if !reflect.DeepEqual(entry.Payload, payload) {
		t.Fatalf("expected identical payload after reopen, got %#v", entry.Payload)
	}
}

func TestNormalizeDriver(t *testing.T) {
	cases := map[string]string{
		"":           sqlstore.DriverSQLite,
		"SQLite":     sqlstore.DriverSQLite,
		"postgresql": sqlstore.DriverPostgres,
		"pg":         sqlstore.DriverPostgres,
		"mysql":      "mysql",
	}
	for input, want := range cases {
		if got := sqlstore.NormalizeDriver(input); got != want {
			t.Fatalf("normalize %q: expected %q, got %q", input, want, got)
		}
	}
}

func TestOpenPersistence_RejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.OpenPersistence(context.Background(), sqlstore.PersistenceConfig{Driver: "mysql", DSN: "x"})
	if err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:apilinker-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	client, err := sqlstore.OpenPersistence(context.Background(), sqlstore.PersistenceConfig{
		Driver:      sqlstore.DriverSQLite,
		DSN:         dsn,
		PingTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	return client, func() {
		_ = client.Close()
	}
}
