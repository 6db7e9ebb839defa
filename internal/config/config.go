// Package config loads and validates the gateway service's YAML
// configuration, with environment-variable overrides applied on top of
// file-provided values. Grounds SPEC_FULL.md's configuration section
// (yaml.v3 + validator/v10, internal/config.Load(path) shape).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the gateway's listening ports.
type ServerConfig struct {
	ListenPort  string `yaml:"listen_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// StateStoreConfig selects and configures the StateStore backend.
type StateStoreConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// AuditConfig selects and configures the audit recorder's backend.
type AuditConfig struct {
	Backend         string `yaml:"backend"` // "memory" or "postgres"
	PostgresDSN     string `yaml:"postgres_dsn"`
	Compliance      bool   `yaml:"compliance"`
	AsyncQueueDepth int    `yaml:"async_queue_depth"`
}

// RulesConfig configures where rule definitions are loaded from.
type RulesConfig struct {
	Dir          string `yaml:"dir"`
	WatchEnabled bool   `yaml:"watch_enabled"`
}

// ExecutorConfig configures the retry executor's concurrency and retry
// policy.
type ExecutorConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxRetries       int           `yaml:"max_retries"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
}

// BreakerConfig configures the default circuit breaker settings applied
// to every provider unless overridden.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryWindow   time.Duration `yaml:"recovery_window"`
}

// QuotaConfig configures the default quota applied to a scope with no
// explicit policy.
type QuotaConfig struct {
	DefaultMaxActions int64         `yaml:"default_max_actions"`
	DefaultWindow     time.Duration `yaml:"default_window"`
}

// LoggingConfig configures the zap/logr logging pipeline.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the gateway service's full configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	StateStore StateStoreConfig `yaml:"state_store"`
	Audit      AuditConfig      `yaml:"audit"`
	Rules      RulesConfig      `yaml:"rules"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Quota      QuotaConfig      `yaml:"quota"`
	Logging    LoggingConfig    `yaml:"logging"`
}

func applyDefaults(c *Config) {
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.StateStore.Backend == "" {
		c.StateStore.Backend = "memory"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "memory"
	}
	if c.Audit.AsyncQueueDepth == 0 {
		c.Audit.AsyncQueueDepth = 1024
	}
	if c.Rules.Dir == "" {
		c.Rules.Dir = "./rules"
	}
	if c.Executor.MaxConcurrent == 0 {
		c.Executor.MaxConcurrent = 5
	}
	if c.Executor.MaxRetries == 0 {
		c.Executor.MaxRetries = 3
	}
	if c.Executor.ExecutionTimeout == 0 {
		c.Executor.ExecutionTimeout = 30 * time.Second
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.RecoveryWindow == 0 {
		c.Breaker.RecoveryWindow = 30 * time.Second
	}
	if c.Quota.DefaultMaxActions == 0 {
		c.Quota.DefaultMaxActions = 1000
	}
	if c.Quota.DefaultWindow == 0 {
		c.Quota.DefaultWindow = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Load reads, parses, defaults, env-overrides and validates the config
// file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := loadFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	return &cfg, nil
}

// loadFromEnv overlays GATEWAY_* environment variables onto cfg, for
// deployment-time overrides without editing the file.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("GATEWAY_LISTEN_PORT"); v != "" {
		cfg.Server.ListenPort = v
	}
	if v := os.Getenv("GATEWAY_METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("GATEWAY_STATE_BACKEND"); v != "" {
		cfg.StateStore.Backend = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		cfg.StateStore.RedisAddr = v
	}
	if v := os.Getenv("GATEWAY_AUDIT_BACKEND"); v != "" {
		cfg.Audit.Backend = v
	}
	if v := os.Getenv("GATEWAY_POSTGRES_DSN"); v != "" {
		cfg.Audit.PostgresDSN = v
	}
	if v := os.Getenv("GATEWAY_RULES_DIR"); v != "" {
		cfg.Rules.Dir = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_AUDIT_COMPLIANCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GATEWAY_AUDIT_COMPLIANCE: %w", err)
		}
		cfg.Audit.Compliance = b
	}
	return nil
}

var validatorInstance = validator.New()

// validate checks structural constraints validator/v10 tags can't express
// (cross-field requirements, enumerations) on top of a struct-tag pass.
func validate(cfg *Config) error {
	if err := validatorInstance.Struct(cfg); err != nil {
		return err
	}

	if cfg.Server.ListenPort == "" {
		return fmt.Errorf("server listen_port is required")
	}
	switch cfg.StateStore.Backend {
	case "memory":
	case "redis":
		if cfg.StateStore.RedisAddr == "" {
			return fmt.Errorf("state_store.redis_addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("unsupported state store backend: %s", cfg.StateStore.Backend)
	}
	switch cfg.Audit.Backend {
	case "memory":
	case "postgres":
		if cfg.Audit.PostgresDSN == "" {
			return fmt.Errorf("audit.postgres_dsn is required when backend is postgres")
		}
	default:
		return fmt.Errorf("unsupported audit backend: %s", cfg.Audit.Backend)
	}
	if cfg.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor max_concurrent must be greater than 0")
	}
	if cfg.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor max_retries must not be negative")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be greater than 0")
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success_threshold must be greater than 0")
	}
	if cfg.Quota.DefaultMaxActions <= 0 {
		return fmt.Errorf("quota default_max_actions must be greater than 0")
	}

	return nil
}
