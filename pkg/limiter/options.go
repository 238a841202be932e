package limiter

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Defaults applied when an option is not given.
const (
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultMaxKeys             = 10000
	DefaultDenyRetryAfter      = 60 * time.Second
	DefaultRedisTimeout        = 5 * time.Second
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 60 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

// Option configures a backend. Backends ignore options that do not apply to
// them, so a shared slice of logging/metrics options can be passed to all.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	recorder MetricsRecorder
	clock    Clock

	fallbackMode   FallbackMode
	denyRetryAfter time.Duration

	// memory
	cleanupInterval time.Duration
	maxKeys         int

	// redis
	client    redis.UniversalClient
	redisURL  string
	script    Script
	keyPrefix string
	timeout   time.Duration

	// composite
	strategy            Strategy
	failureThreshold    int
	recoveryTimeout     time.Duration
	healthCheckInterval time.Duration
}

func buildOptions(opts []Option) options {
	o := options{
		logger:              zap.NewNop(),
		recorder:            &NoOpMetricsRecorder{},
		clock:               realClock{},
		fallbackMode:        FallbackAllow,
		denyRetryAfter:      DefaultDenyRetryAfter,
		cleanupInterval:     DefaultCleanupInterval,
		maxKeys:             DefaultMaxKeys,
		script:              SlidingWindowScript{},
		timeout:             DefaultRedisTimeout,
		strategy:            StrategyCircuitBreaker,
		failureThreshold:    DefaultFailureThreshold,
		recoveryTimeout:     DefaultRecoveryTimeout,
		healthCheckInterval: DefaultHealthCheckInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder injects a metrics backend. A nil recorder is ignored.
func WithRecorder(r MetricsRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithFallbackMode sets what happens when the backend's dependency is
// unavailable or its capacity guard trips (default FallbackAllow).
func WithFallbackMode(m FallbackMode) Option {
	return func(o *options) { o.fallbackMode = m }
}

// WithDenyRetryAfter sets the RetryAfter reported by FallbackDeny.
func WithDenyRetryAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.denyRetryAfter = d
		}
	}
}

// WithCleanupInterval sets how often MemoryBackend sweeps stale entries.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithMaxKeys caps the number of distinct keys MemoryBackend stores.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithRedisClient gives RedisBackend a ready-made client. The backend does not
// close clients it did not create.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.client = c }
}

// WithRedisURL makes RedisBackend build its own client from a redis:// URL on
// Connect. Ignored when WithRedisClient is also given.
func WithRedisURL(url string) Option {
	return func(o *options) { o.redisURL = url }
}

// WithScript selects the window algorithm RedisBackend runs.
func WithScript(s Script) Option {
	return func(o *options) {
		if s != nil {
			o.script = s
		}
	}
}

// WithKeyPrefix is prepended to every Redis key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithTimeout bounds each Redis round trip.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithStrategy selects how CompositeBackend picks between its backends.
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithFailureThreshold sets how many consecutive primary failures open the
// circuit.
func WithFailureThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.failureThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long an open circuit waits before a trial
// request to the primary.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.recoveryTimeout = d
		}
	}
}

// WithHealthCheckInterval sets the probe period for StrategyHealthCheck.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.healthCheckInterval = d
		}
	}
}
