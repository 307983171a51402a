// Package apilinker connects a source REST API to a target API through
// declarative field mappings, with retries, circuit breakers and a
// dead-letter queue around every call.
package apilinker

import "github.com/goliatone/go-apilinker/core"

type Config = core.Config

type Option = core.Option

type Linker = core.Service

type ServiceDependencies = core.ServiceDependencies

type MappingConfig = core.MappingConfig
type RetryConfig = core.RetryConfig
type BreakerConfig = core.BreakerConfig
type BreakersConfig = core.BreakersConfig
type DeadLetterConfig = core.DeadLetterConfig

var (
	WithLogger             = core.WithLogger
	WithLoggerProvider     = core.WithLoggerProvider
	WithMetricsRecorder    = core.WithMetricsRecorder
	WithErrorFactory       = core.WithErrorFactory
	WithErrorMapper        = core.WithErrorMapper
	WithConfigProvider     = core.WithConfigProvider
	WithOptionsResolver    = core.WithOptionsResolver
	WithClock              = core.WithClock
	WithRandom             = core.WithRandom
	WithTransformRegistry  = core.WithTransformRegistry
	WithDeadLetterStore    = core.WithDeadLetterStore
	WithPersistenceClient  = core.WithPersistenceClient
	WithHTTPClient         = core.WithHTTPClient
	WithTransportRegistry  = core.WithTransportRegistry
	WithRateLimits         = core.WithRateLimits
	WithSource             = core.WithSource
	WithSink               = core.WithSink
	WithBreakerStateChange = core.WithBreakerStateChange
	WithCorrelationIDs     = core.WithCorrelationIDs
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// New builds a Linker from cfg. The config is validated before any
// connector or dead-letter backend is opened.
func New(cfg Config, opts ...Option) (*Linker, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Linker, error) {
	return core.Setup(cfg, opts...)
}
