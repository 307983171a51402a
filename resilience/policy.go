package resilience

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	StrategyCircuitBreaker     Strategy = "circuit_breaker"
	StrategyFailFast           Strategy = "fail_fast"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyExponentialBackoff, StrategyCircuitBreaker, StrategyFailFast:
		return true
	default:
		return false
	}
}

// CategoryPolicy lists the strategies applied to one failure category.
// MaxAttempts overrides the policy wide budget when positive.
type CategoryPolicy struct {
	Strategies  []Strategy
	MaxAttempts int
}

func Strategies(strategies ...Strategy) CategoryPolicy {
	return CategoryPolicy{Strategies: strategies}
}

func (p CategoryPolicy) Has(strategy Strategy) bool {
	for _, candidate := range p.Strategies {
		if candidate == StrategyFailFast {
			return false
		}
	}
	for _, candidate := range p.Strategies {
		if candidate == strategy {
			return true
		}
	}
	return false
}

// DefaultCategoryPolicies retries transient categories and fails fast on
// everything else.
func DefaultCategoryPolicies() map[Category]CategoryPolicy {
	return map[Category]CategoryPolicy{
		CategoryNetwork:   Strategies(StrategyExponentialBackoff, StrategyCircuitBreaker),
		CategoryTimeout:   Strategies(StrategyExponentialBackoff, StrategyCircuitBreaker),
		CategoryServer:    Strategies(StrategyExponentialBackoff, StrategyCircuitBreaker),
		CategoryRateLimit: Strategies(StrategyExponentialBackoff),
	}
}

// ParseCategoryPolicies reads the configuration form
// {category: [strategy, ...]}.
func ParseCategoryPolicies(raw map[string][]string) (map[Category]CategoryPolicy, error) {
	policies := make(map[Category]CategoryPolicy, len(raw))
	for name, strategies := range raw {
		category, ok := ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("resilience: unknown error category %q", name)
		}
		policy := CategoryPolicy{Strategies: make([]Strategy, 0, len(strategies))}
		for _, item := range strategies {
			strategy := Strategy(strings.TrimSpace(strings.ToLower(item)))
			if !strategy.Valid() {
				return nil, fmt.Errorf("resilience: unknown strategy %q for category %q", item, name)
			}
			policy.Strategies = append(policy.Strategies, strategy)
		}
		policies[category] = policy
	}
	return policies, nil
}
