package core

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/ratelimit"
	"github.com/goliatone/go-apilinker/resilience"
	"github.com/goliatone/go-apilinker/transform"
	"github.com/goliatone/go-apilinker/transport"
	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	clock             resilience.Clock
	random            func() float64
	transforms        *transform.Registry
	deadLetterStore   dlq.Store
	persistenceClient any
	httpClient        transport.HTTPDoer
	transportRegistry *transport.Registry
	rateLimits        *ratelimit.Manager
	source            transport.Source
	sink              transport.Sink
	stateChange       resilience.StateChangeFunc
	correlationIDs    func() string
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

// WithClock drives backoff sleeps, breaker timeouts, dead-letter timestamps
// and scheduling.
func WithClock(clock resilience.Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

// WithRandom replaces the jitter source; returning 0 disables jitter.
func WithRandom(random func() float64) Option {
	return func(b *serviceBuilder) {
		b.random = random
	}
}

func WithTransformRegistry(registry *transform.Registry) Option {
	return func(b *serviceBuilder) {
		b.transforms = registry
	}
}

// WithDeadLetterStore bypasses the configured dead-letter backend.
func WithDeadLetterStore(store dlq.Store) Option {
	return func(b *serviceBuilder) {
		b.deadLetterStore = store
	}
}

// WithPersistenceClient supplies the database for the sql dead-letter
// backend instead of opening one from the configured dsn. Accepts a
// go-persistence-bun client or a *bun.DB.
func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(b *serviceBuilder) {
		b.httpClient = client
	}
}

func WithTransportRegistry(registry *transport.Registry) Option {
	return func(b *serviceBuilder) {
		b.transportRegistry = registry
	}
}

func WithRateLimits(manager *ratelimit.Manager) Option {
	return func(b *serviceBuilder) {
		b.rateLimits = manager
	}
}

// WithSource and WithSink replace the connectors built from config.
func WithSource(source transport.Source) Option {
	return func(b *serviceBuilder) {
		b.source = source
	}
}

func WithSink(sink transport.Sink) Option {
	return func(b *serviceBuilder) {
		b.sink = sink
	}
}

func WithBreakerStateChange(fn resilience.StateChangeFunc) Option {
	return func(b *serviceBuilder) {
		b.stateChange = fn
	}
}

func WithCorrelationIDs(fn func() string) Option {
	return func(b *serviceBuilder) {
		b.correlationIDs = fn
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("apilinker", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		clock:           resilience.SystemClock{},
	}
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves an in-memory raw config, e.g. one decoded by
// ParseConfig.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults, loaded config and runtime overrides, in
// that order of precedence.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer, err := configToLayerMap(defaults, true)
	if err != nil {
		return Config{}, err
	}
	loadedLayer, err := configToLayerMap(loaded, false)
	if err != nil {
		return Config{}, err
	}
	runtimeLayer, err := configToLayerMap(runtime, false)
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap renders cfg as a raw layer. Without includeZero, unset
// leaves are dropped so they do not mask lower layers.
func configToLayerMap(cfg Config, includeZero bool) (map[string]any, error) {
	data, err := jsonCodec.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: encode config layer: %w", err)
	}
	layer := map[string]any{}
	if err := jsonCodec.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("core: decode config layer: %w", err)
	}
	if includeZero {
		return layer, nil
	}
	pruned, _ := pruneZero(layer).(map[string]any)
	if pruned == nil {
		pruned = map[string]any{}
	}
	return pruned, nil
}

func pruneZero(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := map[string]any{}
		for key, item := range typed {
			if pruned := pruneZero(item); pruned != nil {
				out[key] = pruned
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		if len(typed) == 0 {
			return nil
		}
		return typed
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil
		}
		return typed
	case nil:
		return nil
	default:
		if reflect.ValueOf(value).IsZero() {
			return nil
		}
		return value
	}
}
