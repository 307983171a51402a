package apilinker

import (
	"fmt"

	lcommand "github.com/goliatone/go-apilinker/command"
	"github.com/goliatone/go-apilinker/dlq"
	lquery "github.com/goliatone/go-apilinker/query"
	"github.com/goliatone/go-apilinker/resilience"
)

type CommandQueryService interface {
	lcommand.SyncService
	lcommand.DeadLetterService
}

type Commands struct {
	RunSync           *lcommand.RunSyncCommand
	ReplayDeadLetter  *lcommand.ReplayDeadLetterCommand
	ReplayDeadLetters *lcommand.ReplayDeadLettersCommand
	PurgeDeadLetter   *lcommand.PurgeDeadLetterCommand
}

type Queries struct {
	GetDeadLetter   *lquery.GetDeadLetterQuery
	ListDeadLetters *lquery.ListDeadLettersQuery
	BreakerState    *lquery.BreakerStateQuery
	ListBreakers    *lquery.ListBreakersQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	deadLetters lquery.DeadLetterReader
	breakers    lquery.BreakerReader
}

func WithDeadLetterReader(reader lquery.DeadLetterReader) FacadeOption {
	return func(options *facadeOptions) {
		options.deadLetters = reader
	}
}

func WithBreakerReader(reader lquery.BreakerReader) FacadeOption {
	return func(options *facadeOptions) {
		options.breakers = reader
	}
}

// NewFacade wires the command and query handlers around service. Readers
// default to the service's own dead-letter queue and breaker set when it
// exposes them.
func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("apilinker: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	deadLetters := cfg.deadLetters
	if deadLetters == nil {
		deadLetters = resolveDeadLetterReader(service)
	}
	breakers := cfg.breakers
	if breakers == nil {
		breakers = resolveBreakerReader(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		RunSync:           lcommand.NewRunSyncCommand(service),
		ReplayDeadLetter:  lcommand.NewReplayDeadLetterCommand(service),
		ReplayDeadLetters: lcommand.NewReplayDeadLettersCommand(service),
		PurgeDeadLetter:   lcommand.NewPurgeDeadLetterCommand(service),
	}
	facade.queries = Queries{
		GetDeadLetter:   lquery.NewGetDeadLetterQuery(deadLetters),
		ListDeadLetters: lquery.NewListDeadLettersQuery(deadLetters),
		BreakerState:    lquery.NewBreakerStateQuery(breakers),
		ListBreakers:    lquery.NewListBreakersQuery(breakers),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolveDeadLetterReader(service CommandQueryService) lquery.DeadLetterReader {
	if reader, ok := service.(lquery.DeadLetterReader); ok {
		return reader
	}
	provider, ok := service.(interface{ DeadLetters() *dlq.Queue })
	if !ok {
		return nil
	}
	queue := provider.DeadLetters()
	if queue == nil {
		return nil
	}
	return queue
}

func resolveBreakerReader(service CommandQueryService) lquery.BreakerReader {
	if reader, ok := service.(lquery.BreakerReader); ok {
		return reader
	}
	provider, ok := service.(interface{ Breakers() *resilience.Breakers })
	if !ok {
		return nil
	}
	breakers := provider.Breakers()
	if breakers == nil {
		return nil
	}
	return breakers
}
