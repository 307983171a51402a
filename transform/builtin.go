package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	slugInvalid   = regexp.MustCompile(`[^a-z0-9\s_-]+`)
	slugSeparator = regexp.MustCompile(`[\s_-]+`)
)

func registerBuiltins(registry *Registry) {
	builtins := map[string]Func{
		"identity":             identityTransform,
		"to_string":            toStringTransform,
		"to_int":               withFallback(func(value any) (any, error) { return toIntValue(value) }),
		"to_float":             withFallback(func(value any) (any, error) { return toFloatValue(value) }),
		"to_bool":              withFallback(func(value any) (any, error) { return toBoolValue(value) }),
		"trim":                 textTransform(strings.TrimSpace),
		"lowercase":            textTransform(strings.ToLower),
		"uppercase":            textTransform(strings.ToUpper),
		"titlecase":            textTransform(titlecase),
		"slugify":              textTransform(slugify),
		"replace":              replaceTransform,
		"split":                splitTransform,
		"join":                 joinTransform,
		"map_values":           mapValuesTransform,
		"default_if_empty":     defaultIfEmptyTransform,
		"json_encode":          jsonEncodeTransform,
		"json_decode":          jsonDecodeTransform,
		"iso8601":              iso8601Transform,
		"iso8601_to_unix":      iso8601ToUnixTransform,
		"unix_time_to_rfc3339": unixToRFC3339Transform,
		"format_time":          formatTimeTransform,
	}
	for name, fn := range builtins {
		_ = registry.RegisterFunc(name, fn)
	}
}

func identityTransform(value any, _ map[string]any) (any, error) {
	return value, nil
}

func toStringTransform(value any, _ map[string]any) (any, error) {
	switch typed := value.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	case map[string]any, []any:
		encoded, err := jsonCodec.MarshalToString(typed)
		if err != nil {
			return nil, err
		}
		return encoded, nil
	default:
		return fmt.Sprint(value), nil
	}
}

// withFallback substitutes params["default"] when the conversion fails.
func withFallback(convert func(any) (any, error)) Func {
	return func(value any, params map[string]any) (any, error) {
		out, err := convert(value)
		if err != nil {
			if fallback, ok := params["default"]; ok {
				return fallback, nil
			}
			return nil, err
		}
		return out, nil
	}
}

func textTransform(fn func(string) string) Func {
	return func(value any, _ map[string]any) (any, error) {
		text, err := toStringStrict(value)
		if err != nil {
			return nil, err
		}
		return fn(text), nil
	}
}

// Casers carry state, so each call builds its own.
func titlecase(text string) string {
	return cases.Title(language.Und).String(text)
}

func slugify(text string) string {
	slug := strings.ToLower(strings.TrimSpace(text))
	slug = slugInvalid.ReplaceAllString(slug, "")
	slug = slugSeparator.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

func replaceTransform(value any, params map[string]any) (any, error) {
	text, err := toStringStrict(value)
	if err != nil {
		return nil, err
	}
	old := stringParam(params, "old", "")
	if old == "" {
		return nil, fmt.Errorf("transform: replace requires an \"old\" param")
	}
	return strings.ReplaceAll(text, old, stringParam(params, "new", "")), nil
}

func splitTransform(value any, params map[string]any) (any, error) {
	text, err := toStringStrict(value)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(text, stringParam(params, "sep", ","))
	out := make([]any, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out, nil
}

func joinTransform(value any, params map[string]any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("transform: join expects a list, got %T", value)
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, stringParam(params, "sep", ",")), nil
}

// mapValuesTransform looks value up in params["mapping"]. Unmatched values
// fall back to params["default"] when present and pass through otherwise.
func mapValuesTransform(value any, params map[string]any) (any, error) {
	mapping, ok := params["mapping"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform: map_values requires a \"mapping\" param")
	}
	if value != nil {
		if mapped, found := mapping[fmt.Sprint(value)]; found {
			return mapped, nil
		}
	}
	if fallback, found := params["default"]; found {
		return fallback, nil
	}
	return value, nil
}

func defaultIfEmptyTransform(value any, params map[string]any) (any, error) {
	if isEmptyValue(value) {
		return params["value"], nil
	}
	return value, nil
}

func jsonEncodeTransform(value any, _ map[string]any) (any, error) {
	encoded, err := jsonCodec.MarshalToString(value)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func jsonDecodeTransform(value any, _ map[string]any) (any, error) {
	var payload []byte
	switch typed := value.(type) {
	case string:
		payload = []byte(typed)
	case []byte:
		payload = typed
	default:
		return nil, fmt.Errorf("transform: json_decode expects a string, got %T", value)
	}
	var out any
	if err := jsonCodec.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func iso8601Transform(value any, params map[string]any) (any, error) {
	parsed, err := toTimeValue(value, stringParam(params, "layout", ""))
	if err != nil {
		return nil, err
	}
	return parsed.Format(time.RFC3339), nil
}

func iso8601ToUnixTransform(value any, params map[string]any) (any, error) {
	parsed, err := toTimeValue(value, stringParam(params, "layout", ""))
	if err != nil {
		return nil, err
	}
	return parsed.Unix(), nil
}

func unixToRFC3339Transform(value any, _ map[string]any) (any, error) {
	seconds, err := toIntValue(value)
	if err != nil {
		return nil, err
	}
	return time.Unix(seconds, 0).UTC().Format(time.RFC3339), nil
}

func formatTimeTransform(value any, params map[string]any) (any, error) {
	layout := stringParam(params, "layout", "")
	if strings.TrimSpace(layout) == "" {
		return nil, fmt.Errorf("transform: format_time requires a \"layout\" param")
	}
	parsed, err := toTimeValue(value, stringParam(params, "input_layout", ""))
	if err != nil {
		return nil, err
	}
	return parsed.Format(layout), nil
}
