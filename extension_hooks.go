package apilinker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-apilinker/mapping"
	"github.com/goliatone/go-apilinker/transform"
)

type TransformPack struct {
	Name    string
	Plugins []transform.Plugin
}

// RulePack is a named, reusable set of field rules. Packs are meant to be
// combined when several mappings share the same target shape.
type RulePack struct {
	Name  string
	Rules []mapping.Rule
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	transformPacks map[string]TransformPack
	rulePacks      map[string]RulePack
	bundles        map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		transformPacks: map[string]TransformPack{},
		rulePacks:      map[string]RulePack{},
		bundles:        map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterTransformPack(pack TransformPack) error {
	if h == nil {
		return fmt.Errorf("apilinker: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("apilinker: transform pack name is required")
	}
	if len(pack.Plugins) == 0 {
		return fmt.Errorf("apilinker: transform pack %q has no plugins", name)
	}

	normalized := TransformPack{
		Name:    name,
		Plugins: append([]transform.Plugin(nil), pack.Plugins...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.transformPacks[name]; exists {
		return fmt.Errorf("apilinker: transform pack %q already registered", name)
	}
	h.transformPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterRulePack(pack RulePack) error {
	if h == nil {
		return fmt.Errorf("apilinker: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("apilinker: rule pack name is required")
	}
	if len(pack.Rules) == 0 {
		return fmt.Errorf("apilinker: rule pack %q has no rules", name)
	}

	normalized := RulePack{
		Name:  name,
		Rules: append([]mapping.Rule(nil), pack.Rules...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.rulePacks[name]; exists {
		return fmt.Errorf("apilinker: rule pack %q already registered", name)
	}
	h.rulePacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("apilinker: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("apilinker: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("apilinker: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("apilinker: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyTransformPacks registers every plugin in pack-name order, so a later
// pack replaces a same-named transform from an earlier one.
func (h *ExtensionHooks) ApplyTransformPacks(registry *transform.Registry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("apilinker: transform registry is required")
	}

	for _, pack := range h.TransformPacks() {
		for _, plugin := range pack.Plugins {
			if plugin == nil {
				return fmt.Errorf("apilinker: transform pack %q contains nil plugin", pack.Name)
			}
			if err := registry.RegisterPlugin(plugin); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rules concatenates the named rule packs in the order given.
func (h *ExtensionHooks) Rules(names ...string) ([]mapping.Rule, error) {
	if h == nil {
		return nil, fmt.Errorf("apilinker: extension hooks are nil")
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := []mapping.Rule{}
	for _, name := range names {
		pack, ok := h.rulePacks[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("apilinker: rule pack %q not registered", name)
		}
		out = append(out, pack.Rules...)
	}
	return out, nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("apilinker: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) TransformPacks() []TransformPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.transformPacks))
	for name := range h.transformPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TransformPack, 0, len(names))
	for _, name := range names {
		pack := h.transformPacks[name]
		out = append(out, TransformPack{
			Name:    pack.Name,
			Plugins: append([]transform.Plugin(nil), pack.Plugins...),
		})
	}
	return out
}

func (h *ExtensionHooks) RulePackNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.rulePacks))
	for name := range h.rulePacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
