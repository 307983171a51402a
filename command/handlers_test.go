package command

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/sync"
	gocmd "github.com/goliatone/go-command"
)

type stubSyncService struct {
	syncFn        func(ctx context.Context) ([]sync.Report, error)
	syncMappingFn func(ctx context.Context, name string) (sync.Report, error)
}

func (s stubSyncService) Sync(ctx context.Context) ([]sync.Report, error) {
	if s.syncFn == nil {
		return nil, nil
	}
	return s.syncFn(ctx)
}

func (s stubSyncService) SyncMapping(ctx context.Context, name string) (sync.Report, error) {
	if s.syncMappingFn == nil {
		return sync.Report{}, nil
	}
	return s.syncMappingFn(ctx, name)
}

type stubDeadLetterService struct {
	replayFn    func(ctx context.Context, id string) (bool, error)
	replayAllFn func(ctx context.Context, filter dlq.Filter) (dlq.ReplayReport, error)
	purgeFn     func(ctx context.Context, id string) error
}

func (s stubDeadLetterService) ReplayDeadLetter(ctx context.Context, id string) (bool, error) {
	if s.replayFn == nil {
		return false, nil
	}
	return s.replayFn(ctx, id)
}

func (s stubDeadLetterService) ReplayDeadLetters(ctx context.Context, filter dlq.Filter) (dlq.ReplayReport, error) {
	if s.replayAllFn == nil {
		return dlq.ReplayReport{}, nil
	}
	return s.replayAllFn(ctx, filter)
}

func (s stubDeadLetterService) PurgeDeadLetter(ctx context.Context, id string) error {
	if s.purgeFn == nil {
		return nil
	}
	return s.purgeFn(ctx, id)
}

func TestRunSyncCommand_ExecuteDelegatesAndStoresReports(t *testing.T) {
	t.Run("all mappings", func(t *testing.T) {
		svc := stubSyncService{
			syncFn: func(context.Context) ([]sync.Report, error) {
				return []sync.Report{{Mapping: "issues", Sent: 2}, {Mapping: "users", Sent: 1}}, nil
			},
			syncMappingFn: func(context.Context, string) (sync.Report, error) {
				t.Fatalf("expected full sync")
				return sync.Report{}, nil
			},
		}
		collector := gocmd.NewResult[[]sync.Report]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewRunSyncCommand(svc).Execute(ctx, RunSyncMessage{}); err != nil {
			t.Fatalf("execute sync: %v", err)
		}
		reports, ok := collector.Load()
		if !ok || len(reports) != 2 {
			t.Fatalf("expected two stored reports, got %#v", reports)
		}
	})

	t.Run("single mapping keeps report on failure", func(t *testing.T) {
		fetchErr := errors.New("fetch failed")
		svc := stubSyncService{
			syncMappingFn: func(_ context.Context, name string) (sync.Report, error) {
				if name != "issues" {
					t.Fatalf("expected trimmed mapping name, got %q", name)
				}
				return sync.Report{Mapping: name, Failed: 1}, fetchErr
			},
		}
		collector := gocmd.NewResult[[]sync.Report]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewRunSyncCommand(svc).Execute(ctx, RunSyncMessage{Mapping: " issues "})
		if !errors.Is(err, fetchErr) {
			t.Fatalf("expected fetch error, got %v", err)
		}
		reports, ok := collector.Load()
		if !ok || len(reports) != 1 || reports[0].Failed != 1 {
			t.Fatalf("expected failed report to be stored, got %#v", reports)
		}
	})
}

func TestDeadLetterCommands_DelegateToService(t *testing.T) {
	t.Run("replay", func(t *testing.T) {
		svc := stubDeadLetterService{
			replayFn: func(_ context.Context, id string) (bool, error) {
				if id != "dl_1" {
					t.Fatalf("unexpected id %q", id)
				}
				return true, nil
			},
		}
		collector := gocmd.NewResult[ReplayResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewReplayDeadLetterCommand(svc).Execute(ctx, ReplayDeadLetterMessage{ID: "dl_1"}); err != nil {
			t.Fatalf("execute replay: %v", err)
		}
		result, ok := collector.Load()
		if !ok || !result.Replayed || result.ID != "dl_1" {
			t.Fatalf("unexpected replay result %#v", result)
		}
	})

	t.Run("replay all", func(t *testing.T) {
		svc := stubDeadLetterService{
			replayAllFn: func(_ context.Context, filter dlq.Filter) (dlq.ReplayReport, error) {
				if filter.OperationType != dlq.OperationSend {
					t.Fatalf("unexpected filter %+v", filter)
				}
				return dlq.ReplayReport{Replayed: 3, Succeeded: 2, Failed: 1, Remaining: []string{"dl_9"}}, nil
			},
		}
		collector := gocmd.NewResult[dlq.ReplayReport]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewReplayDeadLettersCommand(svc).Execute(ctx, ReplayDeadLettersMessage{
			Filter: dlq.Filter{OperationType: dlq.OperationSend},
		})
		if err != nil {
			t.Fatalf("execute replay all: %v", err)
		}
		report, ok := collector.Load()
		if !ok || report.Succeeded != 2 || len(report.Remaining) != 1 {
			t.Fatalf("unexpected replay report %#v", report)
		}
	})

	t.Run("purge", func(t *testing.T) {
		called := false
		svc := stubDeadLetterService{
			purgeFn: func(_ context.Context, id string) error {
				called = true
				if id != "dl_2" {
					t.Fatalf("unexpected id %q", id)
				}
				return nil
			},
		}
		if err := NewPurgeDeadLetterCommand(svc).Execute(context.Background(), PurgeDeadLetterMessage{ID: " dl_2 "}); err != nil {
			t.Fatalf("execute purge: %v", err)
		}
		if !called {
			t.Fatalf("expected purge invocation")
		}
	})

	t.Run("replay error is returned without result", func(t *testing.T) {
		storeErr := errors.New("store down")
		svc := stubDeadLetterService{
			replayFn: func(context.Context, string) (bool, error) { return false, storeErr },
		}
		collector := gocmd.NewResult[ReplayResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewReplayDeadLetterCommand(svc).Execute(ctx, ReplayDeadLetterMessage{ID: "dl_1"})
		if !errors.Is(err, storeErr) {
			t.Fatalf("expected store error, got %v", err)
		}
		if _, ok := collector.Load(); ok {
			t.Fatalf("expected no stored result")
		}
	})
}
