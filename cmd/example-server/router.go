package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/manenim/window-limiter/internal/config"
	"github.com/manenim/window-limiter/pkg/httplimit"
	"github.com/manenim/window-limiter/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var burstLimit = limiter.MustLimit(3, limiter.Window{Seconds: 10})

func newRouter(cfg *config.Config, state *httplimit.State, backend limiter.Backend, reg *prometheus.Registry) (http.Handler, error) {
	defaultLimit, err := cfg.DefaultLimit()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.With(state.Limit(defaultLimit, httplimit.WithName("ping"))).Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Pong!\n"))
	})
	r.With(state.Limit(burstLimit, httplimit.WithName("burst"))).Get("/burst", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !backend.IsConnected() {
			http.Error(w, "backend not connected", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/stats", statsHandler(backend))

	r.Route("/admin/circuit", func(r chi.Router) {
		r.Post("/primary", forceHandler(backend, (*limiter.CompositeBackend).ForceToPrimary))
		r.Post("/fallback", forceHandler(backend, (*limiter.CompositeBackend).ForceToFallback))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r, nil
}

// statsHandler reports backend statistics for the backends that keep any.
func statsHandler(backend limiter.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var body any
		switch b := backend.(type) {
		case *limiter.CompositeBackend:
			body = struct {
				limiter.CompositeStats
				CurrentBackend string `json:"current_backend"`
			}{b.Stats(), b.CurrentBackend()}
		case *limiter.MemoryBackend:
			body = b.Stats()
		default:
			body = map[string]bool{"connected": backend.IsConnected()}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func forceHandler(backend limiter.Backend, force func(*limiter.CompositeBackend)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b, ok := backend.(*limiter.CompositeBackend)
		if !ok {
			http.Error(w, "backend is not composite", http.StatusConflict)
			return
		}
		force(b)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"current_backend": b.CurrentBackend()})
	}
}
