package resilience

import "strings"

// Category is the failure class used to pick a retry strategy and to tag
// dead-lettered operations.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryRateLimit      Category = "rate_limit"
	CategoryServer         Category = "server"
	CategoryClient         Category = "client"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryMapping        Category = "mapping"
	CategoryPlugin         Category = "plugin"
	CategoryUnknown        Category = "unknown"
)

func AllCategories() []Category {
	return []Category{
		CategoryNetwork,
		CategoryTimeout,
		CategoryRateLimit,
		CategoryServer,
		CategoryClient,
		CategoryAuthentication,
		CategoryValidation,
		CategoryMapping,
		CategoryPlugin,
		CategoryUnknown,
	}
}

// Transient reports whether failures of this category may succeed on a
// later attempt.
func (c Category) Transient() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryServer:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}

func ParseCategory(raw string) (Category, bool) {
	normalized := Category(strings.TrimSpace(strings.ToLower(raw)))
	switch normalized {
	case "ratelimit", "rate-limit", "throttled":
		return CategoryRateLimit, true
	case "auth":
		return CategoryAuthentication, true
	}
	for _, category := range AllCategories() {
		if category == normalized {
			return category, true
		}
	}
	return CategoryUnknown, false
}
