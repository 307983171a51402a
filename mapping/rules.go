package mapping

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-apilinker/transform"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// OnError selects what a rule does when its transform pipeline fails and no
// default is configured.
type OnError string

const (
	OnErrorDefault OnError = ""
	OnErrorFail    OnError = "fail"
	OnErrorSkip    OnError = "skip"
)

func (o OnError) Valid() bool {
	switch o {
	case OnErrorDefault, OnErrorFail, OnErrorSkip:
		return true
	default:
		return false
	}
}

// Rule maps one source value (or a static value) onto one target path.
// HasDefault and HasStatic record whether the corresponding value was
// configured, so a nil default is distinguishable from none.
type Rule struct {
	SourcePath  string
	TargetPath  string
	Transform   transform.Spec
	Condition   *Condition
	Default     any
	HasDefault  bool
	StaticValue any
	HasStatic   bool
	OnError     OnError
}

func Field(sourcePath, targetPath string, transforms ...string) Rule {
	rule := Rule{SourcePath: sourcePath, TargetPath: targetPath}
	if len(transforms) > 0 {
		rule.Transform = transform.Named(transforms...)
	}
	return rule
}

func Static(targetPath string, value any) Rule {
	return Rule{TargetPath: targetPath, StaticValue: value, HasStatic: true}
}

func (r Rule) WithDefault(value any) Rule {
	r.Default = value
	r.HasDefault = true
	return r
}

func (r Rule) When(fieldPath string, operator Operator, value any) Rule {
	r.Condition = &Condition{FieldPath: fieldPath, Operator: operator, Value: value}
	return r
}

func (r Rule) WithTransform(spec transform.Spec) Rule {
	r.Transform = spec
	return r
}

// RuleFromMap decodes a rule from its configuration form. Both the long keys
// (source_path, target_path, field_path) and the short ones (source, target,
// field) are accepted.
func RuleFromMap(raw map[string]any) (Rule, error) {
	rule := Rule{
		SourcePath: firstString(raw, "source_path", "source"),
		TargetPath: firstString(raw, "target_path", "target"),
		OnError:    OnError(strings.TrimSpace(strings.ToLower(firstString(raw, "on_error")))),
	}
	spec, err := transform.ParseSpec(raw["transform"])
	if err != nil {
		return Rule{}, fmt.Errorf("mapping: rule %q: %w", rule.TargetPath, err)
	}
	rule.Transform = spec

	if value, ok := raw["default"]; ok {
		rule.Default = value
		rule.HasDefault = true
	}
	if value, ok := raw["static_value"]; ok {
		rule.StaticValue = value
		rule.HasStatic = true
	}

	switch condition := raw["condition"].(type) {
	case nil:
	case map[string]any:
		rule.Condition = &Condition{
			FieldPath: firstString(condition, "field_path", "field"),
			Operator:  normalizeOperator(firstString(condition, "operator", "op")),
			Value:     condition["value"],
		}
	default:
		return Rule{}, fmt.Errorf("mapping: rule %q: condition must be a map, got %T", rule.TargetPath, raw["condition"])
	}
	return rule, nil
}

// RulesFromMaps decodes a configuration list of rules.
func RulesFromMaps(raw []map[string]any) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	for idx, item := range raw {
		rule, err := RuleFromMap(item)
		if err != nil {
			return nil, fmt.Errorf("mapping: rule %d: %w", idx, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRules reads rules from YAML or JSON, either a bare list or a document
// with a top level "rules" key.
func LoadRules(data []byte) ([]Rule, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("mapping: decode rules: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	node := root.Content[0]
	if node.Kind == yaml.MappingNode {
		var wrapper struct {
			Rules []Rule `yaml:"rules"`
		}
		if err := node.Decode(&wrapper); err != nil {
			return nil, fmt.Errorf("mapping: decode rules: %w", err)
		}
		return wrapper.Rules, nil
	}
	var rules []Rule
	if err := node.Decode(&rules); err != nil {
		return nil, fmt.Errorf("mapping: decode rules: %w", err)
	}
	return rules, nil
}

func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	rule, err := RuleFromMap(raw)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return err
	}
	rule, err := RuleFromMap(raw)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// ToMap renders the rule in its configuration form.
func (r Rule) ToMap() map[string]any {
	out := map[string]any{"target_path": r.TargetPath}
	if r.SourcePath != "" {
		out["source_path"] = r.SourcePath
	}
	if len(r.Transform) > 0 {
		steps := make([]any, 0, len(r.Transform))
		for _, step := range r.Transform {
			item := map[string]any{"name": step.Name}
			if len(step.Params) > 0 {
				item["params"] = step.Params
			}
			steps = append(steps, item)
		}
		out["transform"] = steps
	}
	if r.Condition != nil {
		condition := map[string]any{
			"field_path": r.Condition.FieldPath,
			"operator":   string(r.Condition.Operator),
		}
		if r.Condition.Value != nil {
			condition["value"] = r.Condition.Value
		}
		out["condition"] = condition
	}
	if r.HasDefault {
		out["default"] = r.Default
	}
	if r.HasStatic {
		out["static_value"] = r.StaticValue
	}
	if r.OnError != OnErrorDefault {
		out["on_error"] = string(r.OnError)
	}
	return out
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
