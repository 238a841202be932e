// Package limiter provides local and distributed rate limiting based on fixed
// and sliding time windows.
//
// The primary entry point is the Backend interface:
//
//	dec, err := backend.Check(ctx, key, limit)
//
// The returned Decision contains whether the request is allowed, how many
// requests remain in the window, and timing hints for callers that want to set
// rate-limit headers (for example, Retry-After).
//
// # Core Types
//
// Limit defines the policy: at most Times requests per Window. It is built
// with NewLimit from a Window made of milliseconds, seconds, minutes and hours,
// which are summed:
//
//	limit, err := limiter.NewLimit(3, limiter.Window{Minutes: 1})
//
// A key is an opaque string chosen by the caller, typically the client address
// plus the route.
//
// # Backends
//
// The package provides three implementations with the same Check API:
//
//   - MemoryBackend: an in-process sliding window log. Useful for tests,
//     local development and single-instance deployments. It caps the number of
//     distinct keys (WithMaxKeys) and sweeps entries older than 24 hours in the
//     background.
//
//   - RedisBackend: a distributed limiter that runs a Lua Script inside Redis
//     with EVALSHA, making the read/compute/write cycle atomic across every
//     application instance. SlidingWindowScript is the default;
//     FixedWindowScript is cheaper but admits up to twice the limit around a
//     window boundary. FileScript loads custom Lua from disk.
//
//   - CompositeBackend: a primary and a fallback backend behind one of three
//     switching strategies (StrategyFailFast, StrategyCircuitBreaker,
//     StrategyHealthCheck). A failed check is retried once on the other
//     backend when it is connected.
//
// Every backend must be connected before use and disconnected when done:
//
//	b := limiter.NewMemoryBackend()
//	if err := b.Connect(ctx); err != nil { ... }
//	defer b.Disconnect(ctx)
//
// # Concurrency
//
// All backends are safe for concurrent use by multiple goroutines.
// MemoryBackend locks per key, so checks on different keys do not serialize.
// RedisBackend delegates atomicity to Redis. CompositeBackend never holds its
// own lock while a delegated check is in flight.
//
// # Context and Error Policy
//
// Check accepts a context.Context. RedisBackend bounds every round trip with
// its own timeout (WithTimeout) on top of the caller's context. A cancelled
// caller context is always returned as an error.
//
// When the store itself is unavailable (connection refused, timeouts, closed
// client) or MemoryBackend is full, the FallbackMode decides:
//
//   - FallbackAllow (default): the request is allowed and Remaining is
//     RemainingUnknown.
//   - FallbackDeny: the request is denied with a fixed RetryAfter
//     (WithDenyRetryAfter, default 60s).
//   - FallbackRaise: the cause is returned, wrapped around ErrStoreUnavailable
//     or ErrCapacityExceeded.
//
// # Decision Semantics
//
//   - Allow reports whether the current request is permitted.
//   - Remaining is the number of requests left in the window after this one.
//   - RetryAfter is 0 when allowed; when denied it is the time until the
//     oldest counted request leaves the window.
//   - ResetTime is the absolute time corresponding to RetryAfter.
//
// # Storage Details
//
// RedisBackend stores state under KeyPrefix+key. The sliding script uses a
// sorted set of request timestamps; the fixed script uses a plain counter.
// Both expire with the window so idle keys do not leak memory. If Redis loses
// its script cache the script is reloaded on the next NOSCRIPT reply.
//
// # Configuration
//
// Backends are configured using the Functional Options pattern:
//
//	backend := limiter.NewRedisBackend(
//		limiter.WithRedisClient(client),
//		limiter.WithKeyPrefix("myapp:rate:"),
//		limiter.WithTimeout(2*time.Second),
//		limiter.WithRecorder(myMetrics),
//	)
//
// Options that do not apply to a backend are ignored, so one slice of logging
// and metrics options can be shared by all of them.
package limiter
