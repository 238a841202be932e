package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const configName = "window-limiter"

// NewViper returns a Viper instance reading configFile, or the first
// window-limiter.yaml/.yml found in the standard locations when configFile is
// empty. LIMITER_* environment variables override file values, for example
// LIMITER_BACKEND_REDIS_URL overrides backend.redis.url.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("LIMITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindNestedEnvKeys(v)
	return v
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, "."+configName),
		"/etc/" + configName,
	})
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys makes Unmarshal see env vars for keys absent from the
// config file.
func bindNestedEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.addr",
		"server.log_level",
		"server.dev_mode",

		"limiter.default_times",
		"limiter.default_window_seconds",
		"limiter.prefix",
		"limiter.trust_proxy_headers",
		"limiter.fallback_mode",
		"limiter.deny_fallback_retry_after_ms",

		"backend.kind",
		"backend.memory.cleanup_interval_seconds",
		"backend.memory.max_keys",
		"backend.redis.url",
		"backend.redis.algorithm",
		"backend.redis.script_path",
		"backend.redis.key_prefix",
		"backend.redis.timeout_ms",
		"backend.composite.strategy",
		"backend.composite.failure_threshold",
		"backend.composite.recovery_timeout_seconds",
		"backend.composite.health_check_interval_seconds",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the configuration, applies defaults and validates it. A missing
// config file is not an error; env vars alone are enough.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := LoadRaw(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRaw is Load without validation, for callers that apply flag overrides
// first.
func LoadRaw(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}
