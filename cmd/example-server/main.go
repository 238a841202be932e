// Command example-server serves a small rate-limited HTTP API backed by the
// configured limiter backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manenim/window-limiter/internal/config"
	"github.com/manenim/window-limiter/internal/logging"
	"github.com/manenim/window-limiter/pkg/httplimit"
	"github.com/manenim/window-limiter/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		addr    string
		devMode bool
	)

	cmd := &cobra.Command{
		Use:   "example-server",
		Short: "Rate-limited demo HTTP server",
		Long: `example-server exposes /ping and /burst behind window rate limits.

Configuration is loaded from window-limiter.yaml in the current directory,
$HOME/.window-limiter/ or /etc/window-limiter/. Environment variables with the
LIMITER_ prefix override file values, for example LIMITER_BACKEND_KIND=redis.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRaw(config.NewViper(cfgFile))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if devMode {
				cfg.Server.DevMode = true
				cfg.Server.LogLevel = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./window-limiter.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().BoolVar(&devMode, "dev", false, "console debug logging")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.DevMode)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg, "window_limiter")

	backend, err := config.BuildBackend(cfg, logger, recorder)
	if err != nil {
		return err
	}
	if err := backend.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s backend: %w", cfg.Backend.Kind, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backend.Disconnect(shutdownCtx); err != nil {
			logger.Warn("disconnect backend", zap.Error(err))
		}
	}()

	state := httplimit.NewState(logger)
	if err := state.Configure(backend, config.StateOverrides(cfg)...); err != nil {
		return err
	}

	router, err := newRouter(cfg, state, backend, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", cfg.Backend.Kind))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
