package transform

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Step is one named transform with its parameters.
type Step struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Spec is an ordered transform pipeline. A single name decodes into a one
// step pipeline.
type Spec []Step

func Named(names ...string) Spec {
	spec := make(Spec, 0, len(names))
	for _, name := range names {
		spec = append(spec, Step{Name: normalizeName(name)})
	}
	return spec
}

func (s Spec) IsZero() bool {
	return len(s) == 0
}

func (s Spec) Names() []string {
	names := make([]string, 0, len(s))
	for _, step := range s {
		names = append(names, step.Name)
	}
	return names
}

func (s Spec) String() string {
	return strings.Join(s.Names(), "|")
}

// ParseSpec accepts a name, a {name, params} map, or a list mixing both.
func ParseSpec(raw any) (Spec, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case Spec:
		return typed, nil
	case Step:
		return parseStep(typed.Name, typed.Params)
	case []Step:
		spec := make(Spec, 0, len(typed))
		for _, step := range typed {
			parsed, err := parseStep(step.Name, step.Params)
			if err != nil {
				return nil, err
			}
			spec = append(spec, parsed...)
		}
		return spec, nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil, nil
		}
		return parseStep(typed, nil)
	case []string:
		if err := validateNames(typed); err != nil {
			return nil, err
		}
		return Named(typed...), nil
	case map[string]any:
		return parseStepMap(typed)
	case []any:
		spec := make(Spec, 0, len(typed))
		for idx, item := range typed {
			parsed, err := ParseSpec(item)
			if err != nil {
				return nil, fmt.Errorf("transform: pipeline step %d: %w", idx, err)
			}
			if len(parsed) == 0 {
				return nil, fmt.Errorf("transform: pipeline step %d is empty", idx)
			}
			spec = append(spec, parsed...)
		}
		return spec, nil
	default:
		return nil, fmt.Errorf("transform: unsupported transform spec %T", raw)
	}
}

func parseStepMap(raw map[string]any) (Spec, error) {
	name, _ := raw["name"].(string)
	var params map[string]any
	switch typed := raw["params"].(type) {
	case nil:
	case map[string]any:
		params = typed
	default:
		return nil, fmt.Errorf("transform: params for %q must be a map, got %T", name, raw["params"])
	}
	return parseStep(name, params)
}

func parseStep(name string, params map[string]any) (Spec, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("transform: step name is required")
	}
	return Spec{{Name: name, Params: params}}, nil
}

func validateNames(names []string) error {
	for idx, name := range names {
		if normalizeName(name) == "" {
			return fmt.Errorf("transform: pipeline step %d is empty", idx)
		}
	}
	return nil
}

func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSpec(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw any
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSpec(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
