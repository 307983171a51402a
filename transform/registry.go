package transform

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Transformer converts one value. Implementations must be pure functions of
// (value, params).
type Transformer interface {
	Transform(value any, params map[string]any) (any, error)
}

type Func func(value any, params map[string]any) (any, error)

func (f Func) Transform(value any, params map[string]any) (any, error) {
	if f == nil {
		return value, nil
	}
	return f(value, params)
}

// Plugin is a named transformer supplied by an extension package.
type Plugin interface {
	Transformer
	Name() string
}

type Registry struct {
	mu           sync.RWMutex
	transformers map[string]registered
}

type registered struct {
	transformer Transformer
	plugin      bool
}

var _ Transformer = Func(nil)

func NewRegistry() *Registry {
	return &Registry{transformers: map[string]registered{}}
}

// NewDefaultRegistry returns a registry preloaded with the built-in transforms.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	registerBuiltins(registry)
	return registry
}

// Register stores the transformer under name. An existing registration is
// replaced.
func (r *Registry) Register(name string, transformer Transformer) error {
	return r.register(name, transformer, false)
}

func (r *Registry) RegisterFunc(name string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("transform: function for %q is required", strings.TrimSpace(name))
	}
	return r.register(name, fn, false)
}

// RegisterPlugin registers a plugin under its own name. Failures raised by
// plugins are reported as plugin errors.
func (r *Registry) RegisterPlugin(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("transform: plugin is required")
	}
	return r.register(plugin.Name(), plugin, true)
}

func (r *Registry) register(name string, transformer Transformer, plugin bool) error {
	if r == nil {
		return fmt.Errorf("transform: registry is not configured")
	}
	name = normalizeName(name)
	if name == "" {
		return fmt.Errorf("transform: name is required")
	}
	if transformer == nil {
		return fmt.Errorf("transform: transformer for %q is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transformers == nil {
		r.transformers = map[string]registered{}
	}
	r.transformers[name] = registered{transformer: transformer, plugin: plugin}
	return nil
}

func (r *Registry) Get(name string) (Transformer, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return entry.transformer, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transformers))
	for name := range r.transformers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports the first step in spec whose transform is not registered.
func (r *Registry) Validate(spec Spec) error {
	for _, step := range spec {
		if _, err := r.lookup(step.Name); err != nil {
			return err
		}
	}
	return nil
}

// Apply runs the pipeline left to right.
func (r *Registry) Apply(spec Spec, value any) (any, error) {
	current := value
	for _, step := range spec {
		next, err := r.ApplyNamed(step.Name, current, step.Params)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func (r *Registry) ApplyNamed(name string, value any, params map[string]any) (out any, err error) {
	entry, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	name = normalizeName(name)
	defer func() {
		if recovered := recover(); recovered != nil {
			out = nil
			err = &ExecutionError{
				Name:   name,
				Value:  value,
				Plugin: entry.plugin,
				Err:    fmt.Errorf("panic: %v", recovered),
			}
		}
	}()
	out, err = entry.transformer.Transform(value, params)
	if err != nil {
		return nil, &ExecutionError{Name: name, Value: value, Plugin: entry.plugin, Err: err}
	}
	return out, nil
}

func (r *Registry) lookup(name string) (registered, error) {
	normalized := normalizeName(name)
	if r == nil {
		return registered{}, &NotFoundError{Name: normalized}
	}
	r.mu.RLock()
	entry, ok := r.transformers[normalized]
	r.mu.RUnlock()
	if !ok || entry.transformer == nil {
		return registered{}, &NotFoundError{Name: normalized}
	}
	return entry, nil
}

func normalizeName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}
