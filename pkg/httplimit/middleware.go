package httplimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/manenim/window-limiter/pkg/limiter"
	"go.uber.org/zap"
)

type route struct {
	name       string
	identifier Identifier
	callback   Callback
}

// RouteOption customizes a single Limit middleware.
type RouteOption func(*route)

// WithName sets the route segment of the key. Routes that share a name share
// a budget. Defaults to the registration order of the middleware.
func WithName(name string) RouteOption {
	return func(rt *route) {
		if name != "" {
			rt.name = name
		}
	}
}

// WithRouteIdentifier overrides the State identifier for this route.
func WithRouteIdentifier(id Identifier) RouteOption {
	return func(rt *route) { rt.identifier = id }
}

// WithRouteCallback overrides the State callback for this route.
func WithRouteCallback(cb Callback) RouteOption {
	return func(rt *route) { rt.callback = cb }
}

// Limit returns middleware that allows at most limit requests per client.
// The key is "{prefix}:{identifier}:{route}". Denied requests are handed to
// the callback; backend errors answer 500.
func (s *State) Limit(limit limiter.Limit, opts ...RouteOption) func(http.Handler) http.Handler {
	rt := route{name: strconv.FormatInt(s.routes.Add(1)-1, 10)}
	for _, opt := range opts {
		opt(&rt)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := s.snapshot()
			if cfg.backend == nil {
				s.logger.Error("request rejected", zap.Error(ErrNotConfigured))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !cfg.backend.IsConnected() {
				s.logger.Error("request rejected", zap.Error(limiter.ErrNotConnected))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			identify := cfg.identifier
			if rt.identifier != nil {
				identify = rt.identifier
			}
			key := cfg.prefix + ":" + identify(r, cfg.trustProxyHeaders) + ":" + rt.name

			dec, err := cfg.backend.Check(r.Context(), key, limit)
			if err != nil {
				s.logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if !dec.Allow {
				s.logger.Warn("limit exceeded",
					zap.String("key", key), zap.Int64("retry_after_ms", dec.RetryAfterMillis()))
				callback := cfg.callback
				if rt.callback != nil {
					callback = rt.callback
				}
				callback(w, r, dec)
				return
			}

			setLimitHeaders(w.Header(), dec)
			next.ServeHTTP(w, r)
		})
	}
}

func setLimitHeaders(h http.Header, dec limiter.Decision) {
	h.Set("RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	if dec.Remaining != limiter.RemainingUnknown {
		h.Set("RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	}
}

// ceilSeconds rounds d up to whole seconds, never below zero.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// DefaultCallback answers 429 with Retry-After and RateLimit-* headers and a
// small JSON body.
func DefaultCallback(w http.ResponseWriter, _ *http.Request, dec limiter.Decision) {
	h := w.Header()
	setLimitHeaders(h, dec)
	h.Set("Retry-After", strconv.FormatInt(ceilSeconds(dec.RetryAfter), 10))
	if !dec.ResetTime.IsZero() {
		h.Set("RateLimit-Reset", strconv.FormatInt(ceilSeconds(time.Until(dec.ResetTime)), 10))
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"detail": "Too Many Requests",
	})
}
