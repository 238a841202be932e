package limiter

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FallbackMode decides the outcome of a check when a backend cannot consult
// its storage.
type FallbackMode int

const (
	// FallbackAllow lets the request through.
	FallbackAllow FallbackMode = iota
	// FallbackDeny rejects the request with a fixed RetryAfter.
	FallbackDeny
	// FallbackRaise returns the underlying error to the caller.
	FallbackRaise
)

func (m FallbackMode) String() string {
	switch m {
	case FallbackAllow:
		return "allow"
	case FallbackDeny:
		return "deny"
	case FallbackRaise:
		return "raise"
	default:
		return fmt.Sprintf("FallbackMode(%d)", int(m))
	}
}

// ParseFallbackMode parses "allow", "deny" or "raise" (case-insensitive).
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return FallbackAllow, nil
	case "deny":
		return FallbackDeny, nil
	case "raise":
		return FallbackRaise, nil
	default:
		return 0, fmt.Errorf("unknown fallback mode %q", s)
	}
}

type fallbackPolicy struct {
	backend        string
	mode           FallbackMode
	denyRetryAfter time.Duration
	logger         *zap.Logger
	recorder       MetricsRecorder
}

func newFallbackPolicy(backend string, o options) fallbackPolicy {
	return fallbackPolicy{
		backend:        backend,
		mode:           o.fallbackMode,
		denyRetryAfter: o.denyRetryAfter,
		logger:         o.logger,
		recorder:       o.recorder,
	}
}

// apply turns an unavailable dependency or a tripped guard into a decision
// according to the configured mode.
func (p fallbackPolicy) apply(cause error, key string, limit Limit, now time.Time) (Decision, error) {
	p.recorder.Add(MetricFallback, 1, map[string]string{"backend": p.backend, "mode": p.mode.String()})

	switch p.mode {
	case FallbackAllow:
		p.logger.Warn("backend unavailable, allowing request",
			zap.String("key", key), zap.Error(cause))
		return Decision{
			Allow:     true,
			Limit:     limit.Times(),
			Remaining: RemainingUnknown,
		}, nil
	case FallbackDeny:
		p.logger.Warn("backend unavailable, denying request",
			zap.String("key", key), zap.Duration("retry_after", p.denyRetryAfter), zap.Error(cause))
		return Decision{
			Allow:      false,
			Limit:      limit.Times(),
			Remaining:  0,
			RetryAfter: p.denyRetryAfter,
			ResetTime:  now.Add(p.denyRetryAfter),
		}, nil
	case FallbackRaise:
		return Decision{}, cause
	default:
		return Decision{}, fmt.Errorf("limiter: unknown fallback mode %v: %w", p.mode, cause)
	}
}
