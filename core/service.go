package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/mapping"
	"github.com/goliatone/go-apilinker/ratelimit"
	"github.com/goliatone/go-apilinker/resilience"
	sqlstore "github.com/goliatone/go-apilinker/store/sql"
	"github.com/goliatone/go-apilinker/sync"
	"github.com/goliatone/go-apilinker/transform"
	"github.com/goliatone/go-apilinker/transport"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Service wires the mapping engine, the resilience layer, the dead-letter
// queue and the configured connectors.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	clock           resilience.Clock

	transforms *transform.Registry
	mapper     *mapping.Mapper
	breakers   *resilience.Breakers
	retry      *resilience.RetryPolicy
	queue      *dlq.Queue
	guard      *dlq.Guard
	limits     *ratelimit.Manager
	transports *transport.Registry
	source     transport.Source
	sink       transport.Sink
	runner     *sync.Runner
	mappings   []sync.Mapping

	closeOnce stdsync.Once
	closers   []func() error
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorFactory    ErrorFactory
	ErrorMapper     ErrorMapper
	Clock           resilience.Clock
	Transforms      *transform.Registry
	Mapper          *mapping.Mapper
	Breakers        *resilience.Breakers
	Retry           *resilience.RetryPolicy
	DeadLetters     *dlq.Queue
	Guard           *dlq.Guard
	RateLimits      *ratelimit.Manager
	Transports      *transport.Registry
	Source          transport.Source
	Sink            transport.Sink
	Runner          *sync.Runner
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("apilinker", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("apilinker"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = resilience.SystemClock{}
	}
	if builder.transforms == nil {
		builder.transforms = transform.NewDefaultRegistry()
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	svc := &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		clock:           builder.clock,
		transforms:      builder.transforms,
	}
	if err := svc.wire(builder); err != nil {
		_ = svc.Close()
		return nil, mapBuildError(builder.errorMapper, err)
	}
	return svc, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func (s *Service) wire(builder serviceBuilder) error {
	cfg := s.config
	componentLogger := func(name string) Logger {
		if s.loggerProvider != nil {
			if named := s.loggerProvider.GetLogger(name); named != nil {
				return glog.Ensure(named)
			}
		}
		return s.logger
	}

	s.mapper = mapping.NewMapper(s.transforms,
		mapping.WithRecordIDPath(cfg.Mapping.RecordIDPath),
		mapping.WithConcurrency(cfg.Mapping.Concurrency),
	)

	breakerOpts := []resilience.BreakersOption{
		resilience.WithBreakersClock(s.clock),
		resilience.WithBreakersLogger(componentLogger("apilinker.breakers")),
	}
	if builder.stateChange != nil {
		breakerOpts = append(breakerOpts, resilience.WithBreakersStateChange(builder.stateChange))
	}
	for name, resourceCfg := range cfg.Breakers.Resources {
		breakerOpts = append(breakerOpts, resilience.WithResourceSettings(name, resourceCfg.Settings()))
	}
	s.breakers = resilience.NewBreakers(cfg.Breakers.Defaults.Settings(), breakerOpts...)

	policy, err := cfg.Retry.Policy()
	if err != nil {
		return err
	}
	policy.Clock = s.clock
	policy.Random = builder.random
	policy.Breakers = s.breakers
	policy.Logger = componentLogger("apilinker.retry")
	s.retry = &policy

	store, err := s.openDeadLetterStore(builder)
	if err != nil {
		return err
	}
	queue, err := dlq.NewQueue(store,
		dlq.WithClock(s.clock),
		dlq.WithLogger(componentLogger("apilinker.dlq")),
	)
	if err != nil {
		return err
	}
	s.queue = queue
	s.closers = append(s.closers, queue.Close)
	s.guard = dlq.NewGuard(s.retry, queue, dlq.WithGuardLogger(componentLogger("apilinker.dlq")))

	s.limits = builder.rateLimits
	if s.limits == nil {
		s.limits = ratelimit.NewManager(ratelimit.WithClock(s.clock))
	}
	s.transports = builder.transportRegistry
	if s.transports == nil {
		s.transports = transport.NewDefaultRegistry()
	}
	deps := transport.Dependencies{
		HTTPClient: builder.httpClient,
		Limits:     s.limits,
		Logger:     componentLogger("apilinker.transport"),
	}

	s.source = builder.source
	if s.source == nil && cfg.HasSource() {
		connector, err := s.transports.NewConnectorWith(cfg.Source, deps)
		if err != nil {
			return err
		}
		s.source = connector
	}
	s.sink = builder.sink
	if s.sink == nil && cfg.HasTarget() {
		sink, err := s.transports.BuildSink(cfg.Target, deps)
		if err != nil {
			return err
		}
		s.sink = sink
	}
	if closer, ok := s.sink.(interface{ Close() error }); ok {
		s.closers = append(s.closers, closer.Close)
	}

	s.mappings, err = cfg.BuildMappings()
	if err != nil {
		return err
	}

	if s.source != nil && s.sink != nil {
		runnerOpts := []sync.RunnerOption{
			sync.WithLogger(componentLogger("apilinker.sync")),
			sync.WithClock(s.clock),
			sync.WithSendConcurrency(cfg.Mapping.SendConcurrency),
		}
		if builder.correlationIDs != nil {
			runnerOpts = append(runnerOpts, sync.WithCorrelationIDs(builder.correlationIDs))
		}
		s.runner, err = sync.NewRunner(s.source, s.sink, s.mapper, s.guard, runnerOpts...)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) openDeadLetterStore(builder serviceBuilder) (dlq.Store, error) {
	cfg := s.config.DeadLetter
	var store dlq.Store
	switch {
	case builder.deadLetterStore != nil:
		store = builder.deadLetterStore
	case cfg.backend() == DeadLetterBadger:
		badgerStore, err := dlq.OpenBadgerStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		store = badgerStore
	case cfg.backend() == DeadLetterSQL:
		factory := sqlstore.NewRepositoryFactory()
		client, owned := builder.persistenceClient, false
		if client == nil {
			opened, err := sqlstore.OpenPersistence(context.Background(), cfg.persistence())
			if err != nil {
				return nil, err
			}
			client, owned = opened, true
		}
		if err := factory.Build(client); err != nil {
			return nil, err
		}
		if owned {
			s.closers = append(s.closers, factory.DB().Close)
		}
		store = factory.DeadLetterStore()
	default:
		store = dlq.NewMemoryStore()
	}

	if cfg.CacheTTL > 0 {
		cache, err := dlq.NewDefaultCacheService(cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		return dlq.NewCachedStore(store, cache)
	}
	return store, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorFactory:    s.errorFactory,
		ErrorMapper:     s.errorMapper,
		Clock:           s.clock,
		Transforms:      s.transforms,
		Mapper:          s.mapper,
		Breakers:        s.breakers,
		Retry:           s.retry,
		DeadLetters:     s.queue,
		Guard:           s.guard,
		RateLimits:      s.limits,
		Transports:      s.transports,
		Source:          s.source,
		Sink:            s.sink,
		Runner:          s.runner,
	}
}

func (s *Service) Map(source map[string]any, rules []mapping.Rule) (map[string]any, error) {
	out, err := s.mapper.Map(source, rules)
	return out, s.mapError(err)
}

// MapBatch maps every record independently. Targets keep input order with
// nil at failed indexes.
func (s *Service) MapBatch(ctx context.Context, sources []map[string]any, rules []mapping.Rule) ([]map[string]any, []*mapping.RecordError) {
	startedAt := s.clock.Now()
	targets, failures := s.mapper.MapBatch(ctx, sources, rules)
	var err error
	if len(failures) > 0 {
		err = fmt.Errorf("%d of %d records failed", len(failures), len(sources))
	}
	s.Observe(ctx, startedAt, "map_batch", err, map[string]any{
		"records": len(sources),
		"failed":  len(failures),
	})
	return targets, failures
}

// MapWith maps one record through the rules of a configured mapping.
func (s *Service) MapWith(name string, source map[string]any) (map[string]any, error) {
	m, ok := s.Mapping(name)
	if !ok {
		return nil, s.mapError(fmt.Errorf("%w: %q", ErrMappingNotFound, name))
	}
	return s.Map(source, m.Rules)
}

func (s *Service) Mapping(name string) (sync.Mapping, bool) {
	name = strings.TrimSpace(name)
	for _, m := range s.mappings {
		if m.Name == name {
			return m, true
		}
	}
	return sync.Mapping{}, false
}

func (s *Service) Mappings() []sync.Mapping {
	return append([]sync.Mapping(nil), s.mappings...)
}

func (s *Service) RegisterTransform(name string, fn transform.Func) error {
	return s.mapError(s.transforms.RegisterFunc(name, fn))
}

func (s *Service) RegisterPlugin(plugin transform.Plugin) error {
	return s.mapError(s.transforms.RegisterPlugin(plugin))
}

func (s *Service) Transforms() *transform.Registry {
	return s.transforms
}

func (s *Service) Breakers() *resilience.Breakers {
	return s.breakers
}

func (s *Service) BreakerState(name string) resilience.BreakerSnapshot {
	return s.breakers.State(name)
}

func (s *Service) Retry() *resilience.RetryPolicy {
	return s.retry
}

// Execute runs op under the retry policy and the breaker for resource.
func (s *Service) Execute(ctx context.Context, resource string, op resilience.Operation) (resilience.Outcome, error) {
	startedAt := s.clock.Now()
	outcome, err := s.retry.Execute(ctx, resource, op)
	s.Observe(ctx, startedAt, "execute", err, map[string]any{
		"resource": resource,
		"attempts": outcome.Attempts,
		"category": string(outcome.Category),
	})
	return outcome, err
}

func (s *Service) Guard() *dlq.Guard {
	return s.guard
}

func (s *Service) DeadLetters() *dlq.Queue {
	return s.queue
}

func (s *Service) RateLimits() *ratelimit.Manager {
	return s.limits
}

// Sync runs every configured mapping in order. A failed fetch does not stop
// the remaining mappings; fetch errors are joined into the returned error.
func (s *Service) Sync(ctx context.Context) ([]sync.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.runner == nil {
		return nil, s.mapError(fmt.Errorf("%w: sync requires a source and a target", ErrNotConfigured))
	}
	reports := make([]sync.Report, 0, len(s.mappings))
	var errs []error
	for _, m := range s.mappings {
		report, err := s.runMapping(ctx, m)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return reports, s.mapError(errors.Join(errs...))
}

func (s *Service) SyncMapping(ctx context.Context, name string) (sync.Report, error) {
	if s.runner == nil {
		return sync.Report{}, s.mapError(fmt.Errorf("%w: sync requires a source and a target", ErrNotConfigured))
	}
	m, ok := s.Mapping(name)
	if !ok {
		return sync.Report{}, s.mapError(fmt.Errorf("%w: %q", ErrMappingNotFound, name))
	}
	report, err := s.runMapping(ctx, m)
	return report, s.mapError(err)
}

func (s *Service) runMapping(ctx context.Context, m sync.Mapping) (sync.Report, error) {
	startedAt := s.clock.Now()
	report, err := s.runner.Run(ctx, m)
	s.Observe(ctx, startedAt, "sync", err, map[string]any{
		"mapping":        report.Mapping,
		"correlation_id": report.CorrelationID,
		"fetched":        report.Fetched,
		"sent":           report.Sent,
		"failed":         report.Failed,
	})
	return report, err
}

// Schedule runs Sync on the configured schedule until it is exhausted or ctx
// ends, and returns the number of runs.
func (s *Service) Schedule(ctx context.Context, opts ...sync.SchedulerOption) (int, error) {
	if !s.config.Schedule.Enabled() {
		return 0, s.mapError(fmt.Errorf("%w: no schedule configured", ErrNotConfigured))
	}
	if s.runner == nil {
		return 0, s.mapError(fmt.Errorf("%w: sync requires a source and a target", ErrNotConfigured))
	}
	schedule, err := sync.ParseSchedule(s.config.Schedule)
	if err != nil {
		return 0, s.mapError(err)
	}
	schedulerOpts := append([]sync.SchedulerOption{
		sync.WithSchedulerClock(s.clock),
		sync.WithSchedulerLogger(s.logger),
	}, opts...)
	scheduler, err := sync.NewScheduler(schedule, func(ctx context.Context) error {
		_, err := s.Sync(ctx)
		return err
	}, schedulerOpts...)
	if err != nil {
		return 0, s.mapError(err)
	}
	return scheduler.Run(ctx)
}

// ReplayFunc re-dispatches dead-letter entries through the sync runner.
func (s *Service) ReplayFunc() (dlq.ReplayFunc, error) {
	if s.runner == nil {
		return nil, s.mapError(fmt.Errorf("%w: replay requires a source and a target", ErrNotConfigured))
	}
	return s.runner.ReplayFunc(), nil
}

func (s *Service) ReplayDeadLetter(ctx context.Context, id string) (bool, error) {
	startedAt := s.clock.Now()
	fn, err := s.ReplayFunc()
	if err != nil {
		return false, err
	}
	ok, err := s.queue.Replay(ctx, id, fn)
	s.Observe(ctx, startedAt, "replay", err, map[string]any{"id": id, "replayed": ok})
	return ok, s.mapError(err)
}

func (s *Service) ReplayDeadLetters(ctx context.Context, filter dlq.Filter) (dlq.ReplayReport, error) {
	startedAt := s.clock.Now()
	fn, err := s.ReplayFunc()
	if err != nil {
		return dlq.ReplayReport{}, err
	}
	report, err := s.queue.ReplayAll(ctx, filter, fn)
	s.Observe(ctx, startedAt, "replay_all", err, map[string]any{
		"replayed":  report.Replayed,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	})
	return report, s.mapError(err)
}

func (s *Service) PurgeDeadLetter(ctx context.Context, id string) error {
	return s.mapError(s.queue.Purge(ctx, id))
}

// Close releases the dead-letter store, the sink and any database the
// service opened. It is safe to call more than once.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	s.closeOnce.Do(func() {
		for idx := len(s.closers) - 1; idx >= 0; idx-- {
			if err := s.closers[idx](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
