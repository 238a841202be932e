package limiter

import (
	"fmt"
	"strings"
)

// Strategy decides how CompositeBackend routes a check.
type Strategy int

const (
	// StrategyFailFast uses the primary while it reports connected.
	StrategyFailFast Strategy = iota
	// StrategyCircuitBreaker stops using the primary after repeated failures
	// and probes it again once the recovery timeout has passed.
	StrategyCircuitBreaker
	// StrategyHealthCheck routes by the result of periodic connectivity
	// probes.
	StrategyHealthCheck
)

func (s Strategy) String() string {
	switch s {
	case StrategyFailFast:
		return "fail_fast"
	case StrategyCircuitBreaker:
		return "circuit_breaker"
	case StrategyHealthCheck:
		return "health_check"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "fail_fast", "circuit_breaker" or "health_check".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail_fast":
		return StrategyFailFast, nil
	case "circuit_breaker":
		return StrategyCircuitBreaker, nil
	case "health_check":
		return StrategyHealthCheck, nil
	default:
		return 0, fmt.Errorf("unknown switching strategy %q", s)
	}
}

// CircuitState is the circuit breaker position of a CompositeBackend.
type CircuitState int

const (
	// CircuitClosed routes to the primary.
	CircuitClosed CircuitState = iota
	// CircuitOpen routes to the fallback until the recovery timeout passes.
	CircuitOpen
	// CircuitHalfOpen sends a trial request to the primary.
	CircuitHalfOpen
)

func (c CircuitState) String() string {
	switch c {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(c))
	}
}

func (c CircuitState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
