package config

import (
	"fmt"
	"time"

	"github.com/manenim/window-limiter/pkg/httplimit"
	"github.com/manenim/window-limiter/pkg/limiter"
	"go.uber.org/zap"
)

// BuildBackend creates the configured, still disconnected backend. The
// composite kind puts Redis in front of an in-memory fallback.
func BuildBackend(cfg *Config, logger *zap.Logger, recorder limiter.MetricsRecorder) (limiter.Backend, error) {
	mode, err := limiter.ParseFallbackMode(cfg.Limiter.FallbackMode)
	if err != nil {
		return nil, err
	}
	common := []limiter.Option{
		limiter.WithLogger(logger),
		limiter.WithRecorder(recorder),
		limiter.WithFallbackMode(mode),
		limiter.WithDenyRetryAfter(time.Duration(cfg.Limiter.DenyFallbackRetryAfterMs) * time.Millisecond),
	}

	switch cfg.Backend.Kind {
	case "memory":
		return newMemory(cfg, common), nil
	case "redis":
		return newRedis(cfg, common)
	case "composite":
		primary, err := newRedis(cfg, common)
		if err != nil {
			return nil, err
		}
		strategy, err := limiter.ParseStrategy(cfg.Backend.Composite.Strategy)
		if err != nil {
			return nil, err
		}
		cc := cfg.Backend.Composite
		return limiter.NewCompositeBackend(primary, newMemory(cfg, common), append(common,
			limiter.WithStrategy(strategy),
			limiter.WithFailureThreshold(cc.FailureThreshold),
			limiter.WithRecoveryTimeout(time.Duration(cc.RecoveryTimeoutSeconds)*time.Second),
			limiter.WithHealthCheckInterval(time.Duration(cc.HealthCheckIntervalSeconds)*time.Second),
		)...)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func newMemory(cfg *Config, common []limiter.Option) *limiter.MemoryBackend {
	mc := cfg.Backend.Memory
	return limiter.NewMemoryBackend(append(common,
		limiter.WithCleanupInterval(time.Duration(mc.CleanupIntervalSeconds)*time.Second),
		limiter.WithMaxKeys(mc.MaxKeys),
	)...)
}

func newRedis(cfg *Config, common []limiter.Option) (*limiter.RedisBackend, error) {
	rc := cfg.Backend.Redis
	script, err := limiter.ParseScript(rc.Algorithm, rc.ScriptPath)
	if err != nil {
		return nil, err
	}
	return limiter.NewRedisBackend(append(common,
		limiter.WithRedisURL(rc.URL),
		limiter.WithScript(script),
		limiter.WithKeyPrefix(rc.KeyPrefix),
		limiter.WithTimeout(time.Duration(rc.TimeoutMs)*time.Millisecond),
	)...), nil
}

// StateOverrides turns the limiter section into httplimit settings.
func StateOverrides(cfg *Config) []httplimit.Override {
	return []httplimit.Override{
		httplimit.WithPrefix(cfg.Limiter.Prefix),
		httplimit.WithTrustProxyHeaders(cfg.Limiter.TrustProxyHeaders),
	}
}
