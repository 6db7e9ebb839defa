package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "gateway-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  listen_port: "8080"
  metrics_port: "9090"

state_store:
  backend: "redis"
  redis_addr: "localhost:6379"
  redis_db: 2

audit:
  backend: "postgres"
  postgres_dsn: "postgres://gateway@localhost/gateway"
  compliance: true
  async_queue_depth: 2048

rules:
  dir: "/etc/gateway/rules"
  watch_enabled: true

executor:
  max_concurrent: 10
  max_retries: 4
  execution_timeout: "15s"

breaker:
  failure_threshold: 6
  success_threshold: 3
  recovery_window: "45s"

quota:
  default_max_actions: 500
  default_window: "1m"

logging:
  level: "info"
  format: "json"
`
				Expect(os.WriteFile(configFile, []byte(validConfig), 0644)).To(Succeed())
			})

			It("should load configuration successfully", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())

				Expect(cfg.Server.ListenPort).To(Equal("8080"))
				Expect(cfg.Server.MetricsPort).To(Equal("9090"))

				Expect(cfg.StateStore.Backend).To(Equal("redis"))
				Expect(cfg.StateStore.RedisAddr).To(Equal("localhost:6379"))
				Expect(cfg.StateStore.RedisDB).To(Equal(2))

				Expect(cfg.Audit.Backend).To(Equal("postgres"))
				Expect(cfg.Audit.PostgresDSN).To(Equal("postgres://gateway@localhost/gateway"))
				Expect(cfg.Audit.Compliance).To(BeTrue())
				Expect(cfg.Audit.AsyncQueueDepth).To(Equal(2048))

				Expect(cfg.Rules.Dir).To(Equal("/etc/gateway/rules"))
				Expect(cfg.Rules.WatchEnabled).To(BeTrue())

				Expect(cfg.Executor.MaxConcurrent).To(Equal(10))
				Expect(cfg.Executor.MaxRetries).To(Equal(4))
				Expect(cfg.Executor.ExecutionTimeout).To(Equal(15 * time.Second))

				Expect(cfg.Breaker.FailureThreshold).To(Equal(6))
				Expect(cfg.Breaker.SuccessThreshold).To(Equal(3))
				Expect(cfg.Breaker.RecoveryWindow).To(Equal(45 * time.Second))

				Expect(cfg.Quota.DefaultMaxActions).To(Equal(int64(500)))
				Expect(cfg.Quota.DefaultWindow).To(Equal(time.Minute))

				Expect(cfg.Logging.Level).To(Equal("info"))
				Expect(cfg.Logging.Format).To(Equal("json"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
server:
  listen_port: "3000"
`
				Expect(os.WriteFile(configFile, []byte(minimalConfig), 0644)).To(Succeed())
			})

			It("should load with defaults for missing values", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.ListenPort).To(Equal("3000"))
				Expect(cfg.Server.MetricsPort).To(Equal("9090"))
				Expect(cfg.StateStore.Backend).To(Equal("memory"))
				Expect(cfg.Audit.Backend).To(Equal("memory"))
				Expect(cfg.Rules.Dir).To(Equal("./rules"))
				Expect(cfg.Executor.MaxConcurrent).To(Equal(5))
				Expect(cfg.Breaker.FailureThreshold).To(Equal(5))
				Expect(cfg.Quota.DefaultMaxActions).To(Equal(int64(1000)))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
server:
  listen_port: "8080"
  invalid_yaml: [
state_store:
  backend: "memory"
`
				Expect(os.WriteFile(configFile, []byte(invalidConfig), 0644)).To(Succeed())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when a redis backend is selected without an address", func() {
			BeforeEach(func() {
				cfgYAML := `
server:
  listen_port: "8080"
state_store:
  backend: "redis"
`
				Expect(os.WriteFile(configFile, []byte(cfgYAML), 0644)).To(Succeed())
			})

			It("should return a validation error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("redis_addr is required"))
			})
		})
	})

	Describe("validate", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = &Config{
				Server:     ServerConfig{ListenPort: "8080", MetricsPort: "9090"},
				StateStore: StateStoreConfig{Backend: "memory"},
				Audit:      AuditConfig{Backend: "memory"},
				Executor:   ExecutorConfig{MaxConcurrent: 5, MaxRetries: 3, ExecutionTimeout: 30 * time.Second},
				Breaker:    BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryWindow: 30 * time.Second},
				Quota:      QuotaConfig{DefaultMaxActions: 1000, DefaultWindow: time.Minute},
				Logging:    LoggingConfig{Level: "info", Format: "json"},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(validate(cfg)).To(Succeed())
			})
		})

		Context("when listen port is missing", func() {
			BeforeEach(func() { cfg.Server.ListenPort = "" })

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("listen_port is required"))
			})
		})

		Context("when state store backend is unsupported", func() {
			BeforeEach(func() { cfg.StateStore.Backend = "sqlite" })

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported state store backend"))
			})
		})

		Context("when audit backend is postgres without a DSN", func() {
			BeforeEach(func() { cfg.Audit = AuditConfig{Backend: "postgres"} })

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("postgres_dsn is required"))
			})
		})

		Context("when executor max_concurrent is zero", func() {
			BeforeEach(func() { cfg.Executor.MaxConcurrent = 0 })

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max_concurrent must be greater than 0"))
			})
		})

		Context("when breaker success_threshold is zero", func() {
			BeforeEach(func() { cfg.Breaker.SuccessThreshold = 0 })

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("success_threshold must be greater than 0"))
			})
		})

		Context("when quota default_max_actions is zero", func() {
			BeforeEach(func() { cfg.Quota.DefaultMaxActions = 0 })

			It("should return a validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("default_max_actions must be greater than 0"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = &Config{}
			os.Clearenv()
		})

		AfterEach(func() {
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("GATEWAY_LISTEN_PORT", "3000")
				os.Setenv("GATEWAY_METRICS_PORT", "9999")
				os.Setenv("GATEWAY_STATE_BACKEND", "redis")
				os.Setenv("GATEWAY_REDIS_ADDR", "redis:6379")
				os.Setenv("GATEWAY_AUDIT_BACKEND", "postgres")
				os.Setenv("GATEWAY_POSTGRES_DSN", "postgres://x")
				os.Setenv("GATEWAY_RULES_DIR", "/rules")
				os.Setenv("GATEWAY_LOG_LEVEL", "debug")
				os.Setenv("GATEWAY_AUDIT_COMPLIANCE", "true")
			})

			It("should load values from environment", func() {
				Expect(loadFromEnv(cfg)).To(Succeed())

				Expect(cfg.Server.ListenPort).To(Equal("3000"))
				Expect(cfg.Server.MetricsPort).To(Equal("9999"))
				Expect(cfg.StateStore.Backend).To(Equal("redis"))
				Expect(cfg.StateStore.RedisAddr).To(Equal("redis:6379"))
				Expect(cfg.Audit.Backend).To(Equal("postgres"))
				Expect(cfg.Audit.PostgresDSN).To(Equal("postgres://x"))
				Expect(cfg.Rules.Dir).To(Equal("/rules"))
				Expect(cfg.Logging.Level).To(Equal("debug"))
				Expect(cfg.Audit.Compliance).To(BeTrue())
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				original := *cfg
				Expect(loadFromEnv(cfg)).To(Succeed())
				Expect(*cfg).To(Equal(original))
			})
		})
	})
})
