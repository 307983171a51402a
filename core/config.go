package core

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/mapping"
	"github.com/goliatone/go-apilinker/resilience"
	sqlstore "github.com/goliatone/go-apilinker/store/sql"
	"github.com/goliatone/go-apilinker/sync"
	"github.com/goliatone/go-apilinker/transport"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

const (
	DeadLetterMemory = "memory"
	DeadLetterBadger = "badger"
	DeadLetterSQL    = "sql"
)

// MappingConfig links a source endpoint to a target endpoint. Fields holds
// rule maps in the same shape mapping.RuleFromMap reads.
type MappingConfig struct {
	Name   string           `json:"name" yaml:"name" koanf:"name" mapstructure:"name"`
	Source string           `json:"source" yaml:"source" koanf:"source" mapstructure:"source"`
	Target string           `json:"target" yaml:"target" koanf:"target" mapstructure:"target"`
	Params map[string]any   `json:"params" yaml:"params" koanf:"params" mapstructure:"params"`
	Fields []map[string]any `json:"fields" yaml:"fields" koanf:"fields" mapstructure:"fields"`
}

func (c MappingConfig) Build() (sync.Mapping, error) {
	rules, err := mapping.RulesFromMaps(c.Fields)
	if err != nil {
		return sync.Mapping{}, err
	}
	m := sync.Mapping{
		Name:   c.Name,
		Source: c.Source,
		Target: c.Target,
		Params: c.Params,
		Rules:  rules,
	}
	return m, m.Validate()
}

type MappingOptions struct {
	RecordIDPath    string `json:"record_id_path" yaml:"record_id_path" koanf:"record_id_path" mapstructure:"record_id_path"`
	Concurrency     int    `json:"concurrency" yaml:"concurrency" koanf:"concurrency" mapstructure:"concurrency"`
	SendConcurrency int    `json:"send_concurrency" yaml:"send_concurrency" koanf:"send_concurrency" mapstructure:"send_concurrency"`
}

// RetryConfig durations are seconds. Categories maps an error category to its
// strategy list, e.g. {server: [exponential_backoff, circuit_breaker]}.
type RetryConfig struct {
	MaxAttempts int                 `json:"max_attempts" yaml:"max_attempts" koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   float64             `json:"base_delay" yaml:"base_delay" koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay    float64             `json:"max_delay" yaml:"max_delay" koanf:"max_delay" mapstructure:"max_delay"`
	Jitter      float64             `json:"jitter" yaml:"jitter" koanf:"jitter" mapstructure:"jitter"`
	Categories  map[string][]string `json:"categories" yaml:"categories" koanf:"categories" mapstructure:"categories"`
}

func (c RetryConfig) Policy() (resilience.RetryPolicy, error) {
	policy := resilience.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		policy.BaseDelay = seconds(c.BaseDelay)
	}
	if c.MaxDelay > 0 {
		policy.MaxDelay = seconds(c.MaxDelay)
	}
	if c.Jitter > 0 {
		policy.JitterFraction = c.Jitter
	}
	if len(c.Categories) > 0 {
		overrides, err := resilience.ParseCategoryPolicies(c.Categories)
		if err != nil {
			return resilience.RetryPolicy{}, err
		}
		for category, categoryPolicy := range overrides {
			policy.Categories[category] = categoryPolicy
		}
	}
	return policy, nil
}

type BreakerConfig struct {
	FailureThreshold int     `json:"failure_threshold" yaml:"failure_threshold" koanf:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int     `json:"success_threshold" yaml:"success_threshold" koanf:"success_threshold" mapstructure:"success_threshold"`
	ResetTimeout     float64 `json:"reset_timeout" yaml:"reset_timeout" koanf:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int     `json:"half_open_max_calls" yaml:"half_open_max_calls" koanf:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

func (c BreakerConfig) Settings() resilience.BreakerSettings {
	return resilience.BreakerSettings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		ResetTimeout:     seconds(c.ResetTimeout),
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

// BreakersConfig holds the default breaker settings plus per-resource
// overrides keyed by resource name (connector.endpoint).
type BreakersConfig struct {
	Defaults  BreakerConfig            `json:"defaults" yaml:"defaults" koanf:"defaults" mapstructure:"defaults"`
	Resources map[string]BreakerConfig `json:"resources" yaml:"resources" koanf:"resources" mapstructure:"resources"`
}

type DeadLetterConfig struct {
	Backend  string  `json:"backend" yaml:"backend" koanf:"backend" mapstructure:"backend"`
	Path     string  `json:"path" yaml:"path" koanf:"path" mapstructure:"path"`
	Driver   string  `json:"driver" yaml:"driver" koanf:"driver" mapstructure:"driver"`
	DSN      string  `json:"dsn" yaml:"dsn" koanf:"dsn" mapstructure:"dsn"`
	Debug    bool    `json:"debug" yaml:"debug" koanf:"debug" mapstructure:"debug"`
	CacheTTL float64 `json:"cache_ttl" yaml:"cache_ttl" koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

func (c DeadLetterConfig) backend() string {
	backend := strings.ToLower(strings.TrimSpace(c.Backend))
	if backend == "" {
		return DeadLetterMemory
	}
	return backend
}

func (c DeadLetterConfig) persistence() sqlstore.PersistenceConfig {
	return sqlstore.PersistenceConfig{Driver: c.Driver, DSN: c.DSN, Debug: c.Debug}
}

type Config struct {
	ServiceName string                    `json:"service_name" yaml:"service_name" koanf:"service_name" mapstructure:"service_name"`
	Source      transport.ConnectorConfig `json:"source" yaml:"source" koanf:"source" mapstructure:"source"`
	Target      transport.TargetConfig    `json:"target" yaml:"target" koanf:"target" mapstructure:"target"`
	Mappings    []MappingConfig           `json:"mappings" yaml:"mappings" koanf:"mappings" mapstructure:"mappings"`
	Mapping     MappingOptions            `json:"mapping" yaml:"mapping" koanf:"mapping" mapstructure:"mapping"`
	Retry       RetryConfig               `json:"retry" yaml:"retry" koanf:"retry" mapstructure:"retry"`
	Breakers    BreakersConfig            `json:"circuit_breakers" yaml:"circuit_breakers" koanf:"circuit_breakers" mapstructure:"circuit_breakers"`
	DeadLetter  DeadLetterConfig          `json:"dead_letter" yaml:"dead_letter" koanf:"dead_letter" mapstructure:"dead_letter"`
	Schedule    sync.ScheduleConfig       `json:"schedule" yaml:"schedule" koanf:"schedule" mapstructure:"schedule"`
}

func DefaultConfig() Config {
	retry := resilience.DefaultRetryPolicy()
	breaker := resilience.DefaultBreakerSettings()
	return Config{
		ServiceName: "apilinker",
		Mapping: MappingOptions{
			Concurrency:     1,
			SendConcurrency: 1,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay.Seconds(),
			MaxDelay:    retry.MaxDelay.Seconds(),
			Jitter:      retry.JitterFraction,
		},
		Breakers: BreakersConfig{
			Defaults: BreakerConfig{
				FailureThreshold: breaker.FailureThreshold,
				SuccessThreshold: breaker.SuccessThreshold,
				ResetTimeout:     breaker.ResetTimeout.Seconds(),
				HalfOpenMaxCalls: breaker.HalfOpenMaxCalls,
			},
		},
		DeadLetter: DeadLetterConfig{Backend: DeadLetterMemory},
	}
}

// Validate checks the parts of the config that are always required. Source
// and target are only validated once configured, so a mapping-only Linker
// needs no connectors.
func (c Config) Validate() error {
	var fields []goerrors.FieldError
	add := func(field, message string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: message})
	}

	if strings.TrimSpace(c.ServiceName) == "" {
		add("service_name", "service_name is required")
	}
	if c.Retry.MaxAttempts < 0 {
		add("retry.max_attempts", "must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry", "delays must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry.jitter", "must be between 0 and 1")
	}
	if _, err := resilience.ParseCategoryPolicies(c.Retry.Categories); err != nil {
		add("retry.categories", err.Error())
	}

	switch c.DeadLetter.backend() {
	case DeadLetterMemory:
	case DeadLetterBadger:
		if strings.TrimSpace(c.DeadLetter.Path) == "" {
			add("dead_letter.path", "path is required for the badger backend")
		}
	case DeadLetterSQL:
		if strings.TrimSpace(c.DeadLetter.DSN) == "" {
			add("dead_letter.dsn", "dsn is required for the sql backend")
		}
	default:
		add("dead_letter.backend", "must be one of memory, badger, sql")
	}

	if c.HasSource() {
		if err := c.Source.Validate(); err != nil {
			add("source", err.Error())
		}
	}
	if c.HasTarget() {
		var err error
		switch strings.ToLower(strings.TrimSpace(c.Target.Kind)) {
		case "", transport.KindREST:
			err = c.Target.Connector.Validate()
		case transport.KindKafka:
			err = c.Target.Kafka.Validate()
		}
		if err != nil {
			add("target", err.Error())
		}
	}
	seen := map[string]bool{}
	for idx, m := range c.Mappings {
		field := fmt.Sprintf("mappings[%d]", idx)
		if _, err := m.Build(); err != nil {
			add(field, err.Error())
		}
		if name := strings.TrimSpace(m.Name); name != "" {
			if seen[name] {
				add(field+".name", "duplicate mapping name")
			}
			seen[name] = true
		}
	}
	if c.Schedule.Enabled() {
		if _, err := sync.ParseSchedule(c.Schedule); err != nil {
			add("schedule", err.Error())
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return goerrors.NewValidation("core: invalid apilinker config", fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorConfigInvalid)
}

func (c Config) HasSource() bool {
	return strings.TrimSpace(c.Source.BaseURL) != "" || len(c.Source.Endpoints) > 0
}

func (c Config) HasTarget() bool {
	if strings.TrimSpace(c.Target.Kind) != "" {
		return true
	}
	return strings.TrimSpace(c.Target.Connector.BaseURL) != "" || len(c.Target.Connector.Endpoints) > 0
}

// BuildMappings returns the configured mappings in declaration order.
func (c Config) BuildMappings() ([]sync.Mapping, error) {
	out := make([]sync.Mapping, 0, len(c.Mappings))
	for _, raw := range c.Mappings {
		m, err := raw.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadConfigFile reads a YAML (or JSON) config file into a raw map suitable
// for CfgxConfigProvider.
func LoadConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("core: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (map[string]any, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "core: decode config").
			WithTextCode(ErrorConfigInvalid)
	}
	return raw, nil
}

// FileConfigLoader is a RawConfigLoader backed by a YAML or JSON file.
type FileConfigLoader struct {
	Path string
}

func (l FileConfigLoader) LoadRaw(_ context.Context) (map[string]any, error) {
	if strings.TrimSpace(l.Path) == "" {
		return map[string]any{}, nil
	}
	return LoadConfigFile(l.Path)
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}
