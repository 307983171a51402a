package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lcommand "github.com/goliatone/go-apilinker/command"
	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/query"
	"github.com/goliatone/go-apilinker/resilience"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// LinkerService is the surface the apilinker commands and queries need.
// *core.Service satisfies it.
type LinkerService interface {
	lcommand.SyncService
	lcommand.DeadLetterService
	DeadLetters() *dlq.Queue
	Breakers() *resilience.Breakers
}

// Subscriptions groups dispatcher subscriptions so they can be released
// together.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterLinker registers and subscribes every apilinker command and query.
// On failure the subscriptions made so far are released.
func RegisterLinker(adapter *RegistryAdapter, svc LinkerService, runnerOpts ...runner.Option) (Subscriptions, error) {
	if svc == nil {
		return nil, fmt.Errorf("gocommand: linker service is required")
	}
	subs := Subscriptions{}
	var errs []error
	track := func(sub commanddispatcher.Subscription, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		subs = append(subs, sub)
	}

	track(RegisterAndSubscribe(adapter, lcommand.NewRunSyncCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, lcommand.NewReplayDeadLetterCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, lcommand.NewReplayDeadLettersCommand(svc), runnerOpts...))
	track(RegisterAndSubscribe(adapter, lcommand.NewPurgeDeadLetterCommand(svc), runnerOpts...))

	track(RegisterAndSubscribeQuery(adapter, query.NewGetDeadLetterQuery(svc.DeadLetters()), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, query.NewListDeadLettersQuery(svc.DeadLetters()), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, query.NewBreakerStateQuery(svc.Breakers()), runnerOpts...))
	track(RegisterAndSubscribeQuery(adapter, query.NewListBreakersQuery(svc.Breakers()), runnerOpts...))

	if len(errs) > 0 {
		subs.Unsubscribe()
		return nil, errors.Join(errs...)
	}
	return subs, nil
}
