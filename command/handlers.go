package command

import (
	"context"
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/sync"
	gocmd "github.com/goliatone/go-command"
)

type SyncService interface {
	Sync(ctx context.Context) ([]sync.Report, error)
	SyncMapping(ctx context.Context, name string) (sync.Report, error)
}

type DeadLetterService interface {
	ReplayDeadLetter(ctx context.Context, id string) (bool, error)
	ReplayDeadLetters(ctx context.Context, filter dlq.Filter) (dlq.ReplayReport, error)
	PurgeDeadLetter(ctx context.Context, id string) error
}

// ReplayResult is stored by ReplayDeadLetterCommand. Replayed is false when
// the entry failed again and was kept.
type ReplayResult struct {
	ID       string `json:"id"`
	Replayed bool   `json:"replayed"`
}

type RunSyncCommand struct {
	service SyncService
}

func NewRunSyncCommand(service SyncService) *RunSyncCommand {
	return &RunSyncCommand{service: service}
}

// Execute stores the run reports even when a fetch failed, so callers can
// inspect the mappings that did complete.
func (c *RunSyncCommand) Execute(ctx context.Context, msg RunSyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	if name := strings.TrimSpace(msg.Mapping); name != "" {
		report, err := c.service.SyncMapping(ctx, name)
		storeResult(ctx, []sync.Report{report})
		return err
	}
	reports, err := c.service.Sync(ctx)
	storeResult(ctx, reports)
	return err
}

type ReplayDeadLetterCommand struct {
	service DeadLetterService
}

func NewReplayDeadLetterCommand(service DeadLetterService) *ReplayDeadLetterCommand {
	return &ReplayDeadLetterCommand{service: service}
}

func (c *ReplayDeadLetterCommand) Execute(ctx context.Context, msg ReplayDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	id := strings.TrimSpace(msg.ID)
	replayed, err := c.service.ReplayDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	storeResult(ctx, ReplayResult{ID: id, Replayed: replayed})
	return nil
}

type ReplayDeadLettersCommand struct {
	service DeadLetterService
}

func NewReplayDeadLettersCommand(service DeadLetterService) *ReplayDeadLettersCommand {
	return &ReplayDeadLettersCommand{service: service}
}

func (c *ReplayDeadLettersCommand) Execute(ctx context.Context, msg ReplayDeadLettersMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	report, err := c.service.ReplayDeadLetters(ctx, msg.Filter)
	if err != nil {
		return err
	}
	storeResult(ctx, report)
	return nil
}

type PurgeDeadLetterCommand struct {
	service DeadLetterService
}

func NewPurgeDeadLetterCommand(service DeadLetterService) *PurgeDeadLetterCommand {
	return &PurgeDeadLetterCommand{service: service}
}

func (c *PurgeDeadLetterCommand) Execute(ctx context.Context, msg PurgeDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	return c.service.PurgeDeadLetter(ctx, strings.TrimSpace(msg.ID))
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
