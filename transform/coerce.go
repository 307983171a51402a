package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

func toIntValue(value any) (int64, error) {
	switch typed := value.(type) {
	case int:
		return int64(typed), nil
	case int8:
		return int64(typed), nil
	case int16:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case uint:
		if uint64(typed) > math.MaxInt64 {
			return 0, fmt.Errorf("transform: %d overflows int64", typed)
		}
		return int64(typed), nil
	case uint8:
		return int64(typed), nil
	case uint16:
		return int64(typed), nil
	case uint32:
		return int64(typed), nil
	case uint64:
		if typed > math.MaxInt64 {
			return 0, fmt.Errorf("transform: %d overflows int64", typed)
		}
		return int64(typed), nil
	case float32:
		return floatToInt(float64(typed))
	case float64:
		return floatToInt(typed)
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed, nil
		}
		floatParsed, floatErr := typed.Float64()
		if floatErr != nil {
			return 0, fmt.Errorf("transform: parse number as int: %w", err)
		}
		return floatToInt(floatParsed)
	case string:
		candidate := strings.TrimSpace(typed)
		if candidate == "" {
			return 0, fmt.Errorf("transform: empty string cannot convert to int")
		}
		parsed, err := strconv.ParseInt(candidate, 10, 64)
		if err == nil {
			return parsed, nil
		}
		floatParsed, floatErr := strconv.ParseFloat(candidate, 64)
		if floatErr != nil {
			return 0, fmt.Errorf("transform: parse string as int: %w", err)
		}
		return floatToInt(floatParsed)
	default:
		return 0, fmt.Errorf("transform: unsupported int conversion from %T", value)
	}
}

// floatToInt truncates toward zero. 2^63 itself is out of range.
func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("transform: %v cannot convert to int", f)
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("transform: %v overflows int64", f)
	}
	return int64(f), nil
}

func toFloatValue(value any) (float64, error) {
	switch typed := value.(type) {
	case int:
		return float64(typed), nil
	case int8:
		return float64(typed), nil
	case int16:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case uint:
		return float64(typed), nil
	case uint8:
		return float64(typed), nil
	case uint16:
		return float64(typed), nil
	case uint32:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	case float32:
		return float64(typed), nil
	case float64:
		return typed, nil
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, fmt.Errorf("transform: parse number as float: %w", err)
		}
		return parsed, nil
	case string:
		candidate := strings.TrimSpace(typed)
		if candidate == "" {
			return 0, fmt.Errorf("transform: empty string cannot convert to float")
		}
		parsed, err := strconv.ParseFloat(candidate, 64)
		if err != nil {
			return 0, fmt.Errorf("transform: parse string as float: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("transform: unsupported float conversion from %T", value)
	}
}

func toBoolValue(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		switch strings.TrimSpace(strings.ToLower(typed)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return false, fmt.Errorf("transform: parse string as bool: %q", typed)
		}
	default:
		number, err := toFloatValue(value)
		if err != nil {
			return false, fmt.Errorf("transform: unsupported bool conversion from %T", value)
		}
		return number != 0, nil
	}
}

func toStringStrict(value any) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("transform: expected string input for text transform, got %T", value)
	}
	return text, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z0700",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// toTimeValue accepts time.Time, unix seconds, or a string in one of the
// supported layouts (or the explicit layout when given).
func toTimeValue(value any, layout string) (time.Time, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), nil
	case *time.Time:
		if typed == nil {
			return time.Time{}, fmt.Errorf("transform: nil time")
		}
		return typed.UTC(), nil
	case string:
		candidate := strings.TrimSpace(typed)
		if candidate == "" {
			return time.Time{}, fmt.Errorf("transform: empty string cannot convert to time")
		}
		if layout = strings.TrimSpace(layout); layout != "" {
			parsed, err := time.Parse(layout, candidate)
			if err != nil {
				return time.Time{}, fmt.Errorf("transform: parse time with layout %q: %w", layout, err)
			}
			return parsed.UTC(), nil
		}
		for _, candidateLayout := range timeLayouts {
			if parsed, err := time.Parse(candidateLayout, candidate); err == nil {
				return parsed.UTC(), nil
			}
		}
		if seconds, err := strconv.ParseInt(candidate, 10, 64); err == nil {
			return time.Unix(seconds, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("transform: unrecognized timestamp %q", typed)
	default:
		seconds, err := toIntValue(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("transform: unsupported time conversion from %T", value)
		}
		return time.Unix(seconds, 0).UTC(), nil
	}
}

func stringParam(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if value, ok := params[key].(string); ok {
		return value
	}
	return fallback
}

func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}
