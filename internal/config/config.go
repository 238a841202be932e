// Package config provides configuration types for the example rate limiting
// server.
//
// Values come from an optional YAML file and LIMITER_* environment variables
// (see Load). Zero values are replaced by SetDefaults before validation.
package config

import (
	"time"

	"github.com/manenim/window-limiter/pkg/limiter"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Limiter holds the request-level defaults applied by the middleware.
	Limiter LimiterConfig `yaml:"limiter" mapstructure:"limiter"`

	// Backend selects and tunes the storage backend.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`
}

type ServerConfig struct {
	// Addr is the listen address (default "127.0.0.1:8080").
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// DevMode switches to human-readable console logs.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

type LimiterConfig struct {
	// DefaultTimes is the number of requests allowed per window for routes
	// that do not set their own limit.
	DefaultTimes int64 `yaml:"default_times" mapstructure:"default_times" validate:"gte=1"`

	// DefaultWindowSeconds is the window length for routes that do not set
	// their own limit.
	DefaultWindowSeconds int64 `yaml:"default_window_seconds" mapstructure:"default_window_seconds" validate:"gte=1"`

	// Prefix starts every rate-limit key.
	Prefix string `yaml:"prefix" mapstructure:"prefix" validate:"required"`

	// TrustProxyHeaders keys clients by the first X-Forwarded-For address.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`

	// FallbackMode is what backends do when their storage is unavailable:
	// allow, deny or raise.
	FallbackMode string `yaml:"fallback_mode" mapstructure:"fallback_mode" validate:"fallback_mode"`

	// DenyFallbackRetryAfterMs is the Retry-After reported by the deny
	// fallback.
	DenyFallbackRetryAfterMs int64 `yaml:"deny_fallback_retry_after_ms" mapstructure:"deny_fallback_retry_after_ms" validate:"gte=1"`
}

type BackendConfig struct {
	// Kind is memory, redis or composite (redis primary, memory fallback).
	Kind string `yaml:"kind" mapstructure:"kind" validate:"oneof=memory redis composite"`

	Memory    MemoryConfig    `yaml:"memory" mapstructure:"memory"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Composite CompositeConfig `yaml:"composite" mapstructure:"composite"`
}

type MemoryConfig struct {
	CleanupIntervalSeconds int64 `yaml:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds" validate:"gte=1"`
	MaxKeys                int   `yaml:"max_keys" mapstructure:"max_keys" validate:"gte=1"`
}

type RedisConfig struct {
	// URL is a redis:// URL or a bare host:port.
	URL string `yaml:"url" mapstructure:"url"`

	// Algorithm is sliding, fixed or file.
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"oneof=sliding fixed file"`

	// ScriptPath is the Lua file used when Algorithm is file.
	ScriptPath string `yaml:"script_path" mapstructure:"script_path"`

	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
	TimeoutMs int64  `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"gte=1"`
}

type CompositeConfig struct {
	// Strategy is fail_fast, circuit_breaker or health_check.
	Strategy                   string `yaml:"strategy" mapstructure:"strategy" validate:"oneof=fail_fast circuit_breaker health_check"`
	FailureThreshold           int    `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=1"`
	RecoveryTimeoutSeconds     int64  `yaml:"recovery_timeout_seconds" mapstructure:"recovery_timeout_seconds" validate:"gte=1"`
	HealthCheckIntervalSeconds int64  `yaml:"health_check_interval_seconds" mapstructure:"health_check_interval_seconds" validate:"gte=1"`
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Limiter.DefaultTimes == 0 {
		c.Limiter.DefaultTimes = 100
	}
	if c.Limiter.DefaultWindowSeconds == 0 {
		c.Limiter.DefaultWindowSeconds = 60
	}
	if c.Limiter.Prefix == "" {
		c.Limiter.Prefix = "limiter"
	}
	if c.Limiter.FallbackMode == "" {
		c.Limiter.FallbackMode = "allow"
	}
	if c.Limiter.DenyFallbackRetryAfterMs == 0 {
		c.Limiter.DenyFallbackRetryAfterMs = limiter.DefaultDenyRetryAfter.Milliseconds()
	}

	if c.Backend.Kind == "" {
		c.Backend.Kind = "memory"
	}
	if c.Backend.Memory.CleanupIntervalSeconds == 0 {
		c.Backend.Memory.CleanupIntervalSeconds = int64(limiter.DefaultCleanupInterval / time.Second)
	}
	if c.Backend.Memory.MaxKeys == 0 {
		c.Backend.Memory.MaxKeys = limiter.DefaultMaxKeys
	}
	if c.Backend.Redis.Algorithm == "" {
		c.Backend.Redis.Algorithm = "sliding"
	}
	if c.Backend.Redis.TimeoutMs == 0 {
		c.Backend.Redis.TimeoutMs = limiter.DefaultRedisTimeout.Milliseconds()
	}
	if c.Backend.Composite.Strategy == "" {
		c.Backend.Composite.Strategy = "circuit_breaker"
	}
	if c.Backend.Composite.FailureThreshold == 0 {
		c.Backend.Composite.FailureThreshold = limiter.DefaultFailureThreshold
	}
	if c.Backend.Composite.RecoveryTimeoutSeconds == 0 {
		c.Backend.Composite.RecoveryTimeoutSeconds = int64(limiter.DefaultRecoveryTimeout / time.Second)
	}
	if c.Backend.Composite.HealthCheckIntervalSeconds == 0 {
		c.Backend.Composite.HealthCheckIntervalSeconds = int64(limiter.DefaultHealthCheckInterval / time.Second)
	}
}

// DefaultLimit is the rule applied to routes without their own limit.
func (c *Config) DefaultLimit() (limiter.Limit, error) {
	return limiter.NewLimit(c.Limiter.DefaultTimes, limiter.Window{Seconds: c.Limiter.DefaultWindowSeconds})
}
