package httplimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/manenim/window-limiter/pkg/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, opts ...limiter.Option) *limiter.MemoryBackend {
	t.Helper()
	b := limiter.NewMemoryBackend(opts...)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestLimit_AllowsThenDenies(t *testing.T) {
	state := NewState(nil)
	require.NoError(t, state.Configure(newBackend(t)))
	h := state.Limit(limiter.MustLimit(3, limiter.Window{Minutes: 1}))(okHandler())

	for i, want := range []string{"2", "1", "0"} {
		rr := serve(h, "/api/test", "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, rr.Code, "request %d", i)
		assert.Equal(t, "3", rr.Header().Get("RateLimit-Limit"))
		assert.Equal(t, want, rr.Header().Get("RateLimit-Remaining"))
	}

	rr := serve(h, "/api/test", "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "3", rr.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("RateLimit-Remaining"))
	assert.NotEmpty(t, rr.Header().Get("RateLimit-Reset"))
	assert.JSONEq(t, `{"detail":"Too Many Requests"}`, rr.Body.String())

	rr = serve(h, "/api/test", "10.0.0.7:9999")
	assert.Equal(t, http.StatusOK, rr.Code, "other clients keep their own budget")
}

func TestLimit_NotConfigured(t *testing.T) {
	state := NewState(nil)
	h := state.Limit(limiter.MustLimit(1, limiter.Window{Seconds: 1}))(okHandler())

	rr := serve(h, "/", "1.2.3.4:1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	_, err := state.Backend()
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, state.Configure(nil, WithPrefix("x")), ErrNotConfigured)
}

func TestLimit_DisconnectedBackend(t *testing.T) {
	state := NewState(nil)
	require.NoError(t, state.Configure(limiter.NewMemoryBackend()))
	h := state.Limit(limiter.MustLimit(1, limiter.Window{Seconds: 1}))(okHandler())

	rr := serve(h, "/", "1.2.3.4:1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

type failingBackend struct{ limiter.Backend }

func (failingBackend) IsConnected() bool { return true }

func (failingBackend) Check(context.Context, string, limiter.Limit) (limiter.Decision, error) {
	return limiter.Decision{}, errors.New("boom")
}

func TestLimit_BackendError(t *testing.T) {
	state := NewState(nil)
	require.NoError(t, state.Configure(failingBackend{}))
	h := state.Limit(limiter.MustLimit(1, limiter.Window{Seconds: 1}))(okHandler())

	rr := serve(h, "/", "1.2.3.4:1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestLimit_KeyLayout(t *testing.T) {
	b := newBackend(t)
	state := NewState(nil)
	require.NoError(t, state.Configure(b, WithPrefix("api")))
	limit := limiter.MustLimit(1, limiter.Window{Minutes: 1})

	h := state.Limit(limit, WithName("ping"))(okHandler())
	serve(h, "/ping", "1.2.3.4:5678")

	dec, err := b.Check(context.Background(), "api:1.2.3.4:/ping:ping", limit)
	require.NoError(t, err)
	assert.False(t, dec.Allow, "middleware should have used the documented key")
}

func TestLimit_RoutesHaveSeparateBudgets(t *testing.T) {
	state := NewState(nil)
	require.NoError(t, state.Configure(newBackend(t)))
	limit := limiter.MustLimit(1, limiter.Window{Minutes: 1})

	first := state.Limit(limit)(okHandler())
	second := state.Limit(limit)(okHandler())

	assert.Equal(t, http.StatusOK, serve(first, "/x", "1.2.3.4:1").Code)
	assert.Equal(t, http.StatusOK, serve(second, "/x", "1.2.3.4:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(first, "/x", "1.2.3.4:1").Code)
}

func TestLimit_Overrides(t *testing.T) {
	state := NewState(nil)
	called := 0
	userID := func(r *http.Request, _ bool) string { return r.Header.Get("X-User-ID") }
	require.NoError(t, state.Configure(newBackend(t),
		WithIdentifier(userID),
		WithCallback(func(w http.ResponseWriter, _ *http.Request, dec limiter.Decision) {
			called++
			assert.False(t, dec.Allow)
			w.WriteHeader(http.StatusServiceUnavailable)
		})))
	h := state.Limit(limiter.MustLimit(1, limiter.Window{Minutes: 1}))(okHandler())

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", user)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("user-1"))
	assert.Equal(t, http.StatusOK, send("user-2"))
	assert.Equal(t, http.StatusServiceUnavailable, send("user-1"))
	assert.Equal(t, 1, called)
}

func TestLimit_RouteCallback(t *testing.T) {
	state := NewState(nil)
	require.NoError(t, state.Configure(newBackend(t)))
	h := state.Limit(limiter.MustLimit(1, limiter.Window{Minutes: 1}),
		WithRouteCallback(func(w http.ResponseWriter, _ *http.Request, _ limiter.Decision) {
			w.WriteHeader(http.StatusTeapot)
		}))(okHandler())

	serve(h, "/", "1.2.3.4:1")
	assert.Equal(t, http.StatusTeapot, serve(h, "/", "1.2.3.4:1").Code)
}

func TestLimit_FallbackAllowOmitsRemaining(t *testing.T) {
	state := NewState(nil)
	b := newBackend(t, limiter.WithMaxKeys(1))
	require.NoError(t, state.Configure(b))
	h := state.Limit(limiter.MustLimit(5, limiter.Window{Minutes: 1}))(okHandler())

	serve(h, "/", "1.1.1.1:1")
	rr := serve(h, "/", "2.2.2.2:1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("RateLimit-Remaining"))
}

func TestLimit_WithChi(t *testing.T) {
	state := NewState(nil)
	require.NoError(t, state.Configure(newBackend(t)))

	r := chi.NewRouter()
	r.With(state.Limit(limiter.MustLimit(1, limiter.Window{Minutes: 1}))).Get("/ping", okHandler().ServeHTTP)
	r.Get("/health", okHandler().ServeHTTP)

	assert.Equal(t, http.StatusOK, serve(r, "/ping", "1.2.3.4:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "/ping", "1.2.3.4:1").Code)
	assert.Equal(t, http.StatusOK, serve(r, "/health", "1.2.3.4:1").Code)
}

func TestDefaultIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/items/1", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.2")

	assert.Equal(t, "10.0.0.1:/items/1", DefaultIdentifier(req, false))
	assert.Equal(t, "203.0.113.9:/items/1", DefaultIdentifier(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1:/items/1", DefaultIdentifier(req, true))

	req.RemoteAddr = ""
	assert.Equal(t, "unknown:/items/1", DefaultIdentifier(req, false))
}

func TestDefaultCallback_DenyFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	DefaultCallback(rr, nil, limiter.Decision{
		Allow:      false,
		Limit:      10,
		Remaining:  0,
		RetryAfter: 1500 * time.Millisecond,
		ResetTime:  time.Now().Add(1500 * time.Millisecond),
	})

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Equal(t, "2", rr.Header().Get("RateLimit-Reset"))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestConfigure_SwapBackend(t *testing.T) {
	state := NewState(nil)
	first, second := newBackend(t), newBackend(t)
	require.NoError(t, state.Configure(first))
	require.NoError(t, state.Configure(second, WithTrustProxyHeaders(true)))

	got, err := state.Backend()
	require.NoError(t, err)
	assert.Same(t, second, got)

	require.NoError(t, state.Configure(nil, WithPrefix("v2")))
	got, err = state.Backend()
	require.NoError(t, err)
	assert.Same(t, second, got, "nil backend keeps the current one")
}
