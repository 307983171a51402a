package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-apilinker/ratelimit"
	glog "github.com/goliatone/go-logger/glog"
)

// TargetConfig selects and configures a sink. Kind defaults to rest.
type TargetConfig struct {
	Kind      string          `json:"kind" yaml:"kind" koanf:"kind" mapstructure:"kind"`
	Connector ConnectorConfig `json:"connector" yaml:"connector" koanf:"connector" mapstructure:"connector"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka" koanf:"kafka" mapstructure:"kafka"`
}

type Dependencies struct {
	HTTPClient HTTPDoer
	Limits     *ratelimit.Manager
	Logger     glog.Logger
}

type SinkFactory func(cfg TargetConfig, deps Dependencies) (Sink, error)

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	sinks    map[string]SinkFactory
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		sinks:    map[string]SinkFactory{},
	}
}

// NewDefaultRegistry knows the rest adapter and the rest and kafka sinks.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(NewRESTAdapter(nil))
	_ = registry.RegisterSink(KindREST, registry.restSink)
	_ = registry.RegisterSink(KindKafka, kafkaSink)
	return registry
}

func (r *Registry) Register(adapter Adapter) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	if adapter == nil {
		return fmt.Errorf("transport: adapter is nil")
	}
	kind := normalizeKind(adapter.Kind())
	if kind == "" {
		return fmt.Errorf("transport: adapter kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("transport: adapter kind %q already registered", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

func (r *Registry) RegisterSink(kind string, factory SinkFactory) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("transport: sink kind is required")
	}
	if factory == nil {
		return fmt.Errorf("transport: sink factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[kind]; exists {
		return fmt.Errorf("transport: sink kind %q already registered", kind)
	}
	r.sinks[kind] = factory
	return nil
}

func (r *Registry) BuildSink(cfg TargetConfig, deps Dependencies) (Sink, error) {
	if r == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	kind := normalizeKind(cfg.Kind)
	if kind == "" {
		kind = KindREST
	}

	r.mu.RLock()
	factory := r.sinks[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("transport: sink kind %q not registered", kind)
	}
	sink, err := factory(cfg, deps)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("transport: factory for %q returned nil sink", kind)
	}
	return sink, nil
}

func (r *Registry) Get(kind string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	kind = normalizeKind(kind)
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	return adapter, ok
}

func (r *Registry) List() []Adapter {
	if r == nil {
		return []Adapter{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	result := make([]Adapter, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, r.adapters[kind])
	}
	return result
}

func (r *Registry) SinkKinds() []string {
	if r == nil {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.sinks))
	for kind := range r.sinks {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// NewConnectorWith builds a connector over the registered rest adapter, or a
// fresh one when deps carries its own http client.
func (r *Registry) NewConnectorWith(cfg ConnectorConfig, deps Dependencies) (*Connector, error) {
	var adapter Adapter
	if deps.HTTPClient != nil {
		adapter = NewRESTAdapter(deps.HTTPClient)
	} else if registered, ok := r.Get(KindREST); ok {
		adapter = registered
	}
	return NewConnector(cfg,
		WithAdapter(adapter),
		WithRateLimits(deps.Limits),
		WithConnectorLogger(deps.Logger),
	)
}

func (r *Registry) restSink(cfg TargetConfig, deps Dependencies) (Sink, error) {
	return r.NewConnectorWith(cfg.Connector, deps)
}

func kafkaSink(cfg TargetConfig, deps Dependencies) (Sink, error) {
	return NewKafkaSink(cfg.Kafka, WithKafkaLogger(deps.Logger))
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}
