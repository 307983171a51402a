package transform

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

func TestRegistry_ApplyPipelineWithCustomTransform(t *testing.T) {
	registry := NewDefaultRegistry()
	if err := registry.RegisterFunc("open_to_opened", func(value any, _ map[string]any) (any, error) {
		if value == "open" {
			return "opened", nil
		}
		return value, nil
	}); err != nil {
		t.Fatalf("register custom transform: %v", err)
	}

	out, err := registry.Apply(Named("lowercase", "open_to_opened"), "OPEN")
	if err != nil {
		t.Fatalf("apply pipeline: %v", err)
	}
	if out != "opened" {
		t.Fatalf("expected opened, got %#v", out)
	}
}

func TestRegistry_RegisterOverwritesExistingName(t *testing.T) {
	registry := NewDefaultRegistry()
	if err := registry.RegisterFunc("lowercase", func(value any, _ map[string]any) (any, error) {
		return "shadowed", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := registry.ApplyNamed("lowercase", "ABC", nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != "shadowed" {
		t.Fatalf("expected last registration to win, got %#v", out)
	}
}

func TestRegistry_UnknownTransformReturnsNotFound(t *testing.T) {
	registry := NewDefaultRegistry()
	_, err := registry.Apply(Named("trim", "does_not_exist"), " x ")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Name != "does_not_exist" {
		t.Fatalf("expected missing name, got %q", notFound.Name)
	}
	if err := registry.Validate(Named("does_not_exist")); err == nil {
		t.Fatalf("expected validate to reject unknown transform")
	}
}

func TestRegistry_ExecutionErrorCarriesValueAndName(t *testing.T) {
	registry := NewDefaultRegistry()
	_, err := registry.ApplyNamed("to_int", "abc", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Name != "to_int" || execErr.Value != "abc" {
		t.Fatalf("unexpected execution error fields: %#v", execErr)
	}
	rich := execErr.ToServiceError()
	if rich.TextCode != TextCodeTransformExecution {
		t.Fatalf("expected text code %q, got %q", TextCodeTransformExecution, rich.TextCode)
	}
	if rich.Category != goerrors.CategoryBadInput {
		t.Fatalf("expected bad input category, got %q", rich.Category)
	}
}

type panickyPlugin struct{}

func (panickyPlugin) Name() string { return "explode" }

func (panickyPlugin) Transform(any, map[string]any) (any, error) {
	panic("boom")
}

func TestRegistry_PluginPanicBecomesPluginError(t *testing.T) {
	registry := NewRegistry()
	if err := registry.RegisterPlugin(panickyPlugin{}); err != nil {
		t.Fatalf("register plugin: %v", err)
	}
	_, err := registry.ApplyNamed("explode", 1, nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !execErr.Plugin || execErr.ErrorCategory() != "plugin" {
		t.Fatalf("expected plugin classification, got %#v", execErr)
	}
}

func TestBuiltins(t *testing.T) {
	registry := NewDefaultRegistry()
	cases := []struct {
		name   string
		spec   Spec
		input  any
		expect any
	}{
		{name: "trim", spec: Named("trim"), input: "  hi  ", expect: "hi"},
		{name: "uppercase", spec: Named("uppercase"), input: "hi", expect: "HI"},
		{name: "titlecase", spec: Named("titlecase"), input: "hello world", expect: "Hello World"},
		{name: "to_int string", spec: Named("to_int"), input: "42", expect: int64(42)},
		{name: "to_int float", spec: Named("to_int"), input: 3.9, expect: int64(3)},
		{name: "to_int default", spec: Spec{{Name: "to_int", Params: map[string]any{"default": 0}}}, input: "n/a", expect: 0},
		{name: "to_int overflow default", spec: Spec{{Name: "to_int", Params: map[string]any{"default": -1}}}, input: 1e30, expect: -1},
		{name: "to_int nan default", spec: Spec{{Name: "to_int", Params: map[string]any{"default": -1}}}, input: float32(math.NaN()), expect: -1},
		{name: "to_int exponent string default", spec: Spec{{Name: "to_int", Params: map[string]any{"default": -1}}}, input: "-1e19", expect: -1},
		{name: "to_float", spec: Named("to_float"), input: "1.5", expect: 1.5},
		{name: "to_bool", spec: Named("to_bool"), input: "yes", expect: true},
		{name: "slugify", spec: Named("slugify"), input: "Hello, World!  Again", expect: "hello-world-again"},
		{name: "iso8601", spec: Named("iso8601"), input: "2024-03-01 10:00:00", expect: "2024-03-01T10:00:00Z"},
		{name: "iso8601_to_unix", spec: Named("iso8601_to_unix"), input: "1970-01-01T00:01:00Z", expect: int64(60)},
		{name: "unix_time_to_rfc3339", spec: Named("unix_time_to_rfc3339"), input: 60, expect: "1970-01-01T00:01:00Z"},
		{name: "json_encode", spec: Named("json_encode"), input: map[string]any{"b": 1, "a": true}, expect: `{"a":true,"b":1}`},
		{name: "default_if_empty", spec: Spec{{Name: "default_if_empty", Params: map[string]any{"value": "unknown"}}}, input: "  ", expect: "unknown"},
		{name: "map_values", spec: Spec{{Name: "map_values", Params: map[string]any{"mapping": map[string]any{"open": "opened"}}}}, input: "open", expect: "opened"},
		{name: "replace", spec: Spec{{Name: "replace", Params: map[string]any{"old": "-", "new": ""}}}, input: "555-0100", expect: "5550100"},
		{name: "join", spec: Spec{{Name: "join", Params: map[string]any{"sep": "; "}}}, input: []any{"a", "b"}, expect: "a; b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := registry.Apply(tc.spec, tc.input)
			if err != nil {
				t.Fatalf("apply %s: %v", tc.name, err)
			}
			if out != tc.expect {
				t.Fatalf("expected %#v, got %#v", tc.expect, out)
			}
		})
	}
}

func TestToInt_RejectsValuesOutsideInt64(t *testing.T) {
	registry := NewDefaultRegistry()
	for _, input := range []any{
		1e30,
		-1e30,
		math.Inf(1),
		float32(math.Inf(-1)),
		float64(math.MaxInt64),
		uint64(math.MaxUint64),
		json.Number("9.3e18"),
	} {
		if out, err := registry.ApplyNamed("to_int", input, nil); err == nil {
			t.Fatalf("expected %v (%T) to fail, got %#v", input, input, out)
		}
	}
	out, err := registry.ApplyNamed("to_int", float64(math.MinInt64), nil)
	if err != nil || out != int64(math.MinInt64) {
		t.Fatalf("expected min int64 to convert, got %#v (%v)", out, err)
	}
}

func TestBuiltins_JSONDecodeAndSplit(t *testing.T) {
	registry := NewDefaultRegistry()
	decoded, err := registry.ApplyNamed("json_decode", `{"tags":["a","b"]}`, nil)
	if err != nil {
		t.Fatalf("json_decode: %v", err)
	}
	payload, ok := decoded.(map[string]any)
	if !ok || len(payload["tags"].([]any)) != 2 {
		t.Fatalf("unexpected decoded payload %#v", decoded)
	}

	parts, err := registry.ApplyNamed("split", "a, b,,c", nil)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if got := len(parts.([]any)); got != 3 {
		t.Fatalf("expected 3 parts, got %d", got)
	}
}

func TestBuiltins_TextTransformRejectsNonString(t *testing.T) {
	registry := NewDefaultRegistry()
	_, err := registry.ApplyNamed("lowercase", 12, nil)
	if err == nil || !strings.Contains(err.Error(), "expected string") {
		t.Fatalf("expected string type error, got %v", err)
	}
}

func TestSpec_DecodesNameAndPipelineForms(t *testing.T) {
	var single struct {
		Transform Spec `yaml:"transform"`
	}
	if err := yaml.Unmarshal([]byte("transform: lowercase\n"), &single); err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if single.Transform.String() != "lowercase" {
		t.Fatalf("unexpected single spec %v", single.Transform)
	}

	var pipeline struct {
		Transform Spec `yaml:"transform"`
	}
	doc := "transform:\n  - trim\n  - name: map_values\n    params:\n      mapping:\n        open: opened\n"
	if err := yaml.Unmarshal([]byte(doc), &pipeline); err != nil {
		t.Fatalf("decode pipeline: %v", err)
	}
	if len(pipeline.Transform) != 2 || pipeline.Transform[1].Name != "map_values" {
		t.Fatalf("unexpected pipeline %#v", pipeline.Transform)
	}
	if _, ok := pipeline.Transform[1].Params["mapping"].(map[string]any); !ok {
		t.Fatalf("expected mapping params, got %#v", pipeline.Transform[1].Params)
	}

	var fromJSON Spec
	if err := fromJSON.UnmarshalJSON([]byte(`[{"name":"to_int","params":{"default":0}}]`)); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(fromJSON) != 1 || fromJSON[0].Name != "to_int" {
		t.Fatalf("unexpected json spec %#v", fromJSON)
	}

	if _, err := ParseSpec([]any{"trim", 12}); err == nil {
		t.Fatalf("expected invalid pipeline item to fail")
	}
}
