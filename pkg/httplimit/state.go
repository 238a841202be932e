// Package httplimit applies limiter backends to net/http handlers.
//
// A State holds the active backend and the request-level settings shared by
// every limited route. Configure it once at startup (or again at runtime to
// swap the backend), then wrap handlers with State.Limit:
//
//	state := httplimit.NewState(logger)
//	if err := state.Configure(backend, httplimit.WithPrefix("api")); err != nil { ... }
//	r.With(state.Limit(limiter.MustLimit(10, limiter.Window{Minutes: 1}))).Get("/ping", ping)
package httplimit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/manenim/window-limiter/pkg/limiter"
	"go.uber.org/zap"
)

// DefaultPrefix starts every rate-limit key unless WithPrefix says otherwise.
const DefaultPrefix = "limiter"

var ErrNotConfigured = errors.New("httplimit: rate limiter must be configured before use")

// Identifier derives the client part of a rate-limit key from a request.
type Identifier func(r *http.Request, trustProxyHeaders bool) string

// Callback writes the response for a request that exceeded its limit.
type Callback func(w http.ResponseWriter, r *http.Request, dec limiter.Decision)

// State is the shared limiter configuration. It is safe for concurrent use;
// Configure may be called while requests are in flight.
type State struct {
	mu                sync.RWMutex
	backend           limiter.Backend
	prefix            string
	trustProxyHeaders bool
	identifier        Identifier
	callback          Callback

	routes atomic.Int64
	logger *zap.Logger
}

// NewState returns an unconfigured State with the default prefix,
// identifier and callback. A nil logger disables logging.
func NewState(logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		prefix:     DefaultPrefix,
		identifier: DefaultIdentifier,
		callback:   DefaultCallback,
		logger:     logger.Named("httplimit"),
	}
}

// Override changes one State setting in Configure.
type Override func(*State)

func WithPrefix(prefix string) Override {
	return func(s *State) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTrustProxyHeaders makes the default identifier use the first
// X-Forwarded-For address. Enable it only behind a proxy that sets the header.
func WithTrustProxyHeaders(trust bool) Override {
	return func(s *State) { s.trustProxyHeaders = trust }
}

func WithIdentifier(id Identifier) Override {
	return func(s *State) {
		if id != nil {
			s.identifier = id
		}
	}
}

func WithCallback(cb Callback) Override {
	return func(s *State) {
		if cb != nil {
			s.callback = cb
		}
	}
}

// Configure installs backend and applies overrides. A nil backend keeps the
// current one, so settings can be changed on their own; it fails with
// ErrNotConfigured when no backend has ever been set.
func (s *State) Configure(backend limiter.Backend, overrides ...Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if backend == nil && s.backend == nil {
		return ErrNotConfigured
	}
	if backend != nil {
		s.backend = backend
	}
	for _, o := range overrides {
		o(s)
	}

	s.logger.Info("rate limiter configured",
		zap.String("prefix", s.prefix),
		zap.Bool("trust_proxy_headers", s.trustProxyHeaders))
	return nil
}

// Backend returns the configured backend.
func (s *State) Backend() (limiter.Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, ErrNotConfigured
	}
	return s.backend, nil
}

type snapshot struct {
	backend           limiter.Backend
	prefix            string
	trustProxyHeaders bool
	identifier        Identifier
	callback          Callback
}

func (s *State) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{
		backend:           s.backend,
		prefix:            s.prefix,
		trustProxyHeaders: s.trustProxyHeaders,
		identifier:        s.identifier,
		callback:          s.callback,
	}
}

// DefaultIdentifier keys requests by client IP and path. With
// trustProxyHeaders it prefers the first X-Forwarded-For entry.
func DefaultIdentifier(r *http.Request, trustProxyHeaders bool) string {
	ip := ""
	if trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip = strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	if ip == "" {
		ip = "unknown"
	}
	return ip + ":" + r.URL.Path
}
