package mapping

import (
	"context"
	"fmt"

	"github.com/goliatone/go-apilinker/transform"
)

// Mapper maps records against ad hoc rule lists. Unlike Compile, it resolves
// transform names at apply time so an unknown name fails the affected
// records instead of the whole call.
type Mapper struct {
	registry *transform.Registry
	opts     []PlanOption
}

func NewMapper(registry *transform.Registry, opts ...PlanOption) *Mapper {
	if registry == nil {
		registry = transform.NewDefaultRegistry()
	}
	return &Mapper{
		registry: registry,
		opts:     append([]PlanOption{AllowUnregisteredTransforms()}, opts...),
	}
}

func (m *Mapper) Registry() *transform.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Mapper) Map(source map[string]any, rules []Rule) (map[string]any, error) {
	plan, err := m.compile(rules)
	if err != nil {
		return nil, &RecordError{Rule: -1, Err: err}
	}
	return plan.Apply(source)
}

func (m *Mapper) MapBatch(ctx context.Context, sources []map[string]any, rules []Rule) ([]map[string]any, []*RecordError) {
	plan, err := m.compile(rules)
	if err != nil {
		errs := make([]*RecordError, 0, len(sources))
		for idx := range sources {
			errs = append(errs, &RecordError{Index: idx, Rule: -1, Err: err})
		}
		return make([]map[string]any, len(sources)), errs
	}
	return plan.ApplyBatch(ctx, sources)
}

func (m *Mapper) compile(rules []Rule) (*Plan, error) {
	if m == nil {
		return nil, fmt.Errorf("mapping: mapper is not configured")
	}
	return Compile(rules, m.registry, m.opts...)
}
