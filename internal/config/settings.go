package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration shared by the three
// service binaries.
type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	NATS        NATSConfig      `mapstructure:"nats"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Engine      EngineConfig    `mapstructure:"engine"`
	Dispatcher  DispatchConfig  `mapstructure:"dispatcher"`
	Transport   TransportConfig `mapstructure:"transport"`
	Runner      RunnerConfig    `mapstructure:"runner"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
}

// HTTPConfig holds the HTTP listener address.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig holds the broker address.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// StorageConfig holds the state store path.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig holds scheduler sizing.
type EngineConfig struct {
	MaxConcurrencyPerExecution int `mapstructure:"max_concurrency_per_execution"`
	MaxExecutionsPerInstance   int `mapstructure:"max_executions_per_instance"`
	ExecutionDeadlineSeconds   int `mapstructure:"execution_deadline_seconds"`
}

// DispatchConfig holds dispatcher retry tuning.
type DispatchConfig struct {
	BaseBackoffSeconds int `mapstructure:"base_backoff_seconds"`
	MaxBackoffSeconds  int `mapstructure:"max_backoff_seconds"`
	MaxAttempts        int `mapstructure:"max_attempts"`
}

// TransportConfig holds queue tuning.
type TransportConfig struct {
	PrefetchWorkflow   int `mapstructure:"prefetch_workflow"`
	PrefetchNode       int `mapstructure:"prefetch_node"`
	MessageTTLWorkflow int `mapstructure:"message_ttl_workflow_seconds"`
	MessageTTLNode     int `mapstructure:"message_ttl_node_seconds"`
}

// RunnerConfig holds sandbox caps.
type RunnerConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	MemoryLimitMB         int `mapstructure:"memory_limit_mb"`
	MaxConcurrent         int `mapstructure:"max_concurrent"`
}

// ExecutionConfig holds per-execution policy.
type ExecutionConfig struct {
	FailPolicy string `mapstructure:"fail_policy"`
}

// TracingConfig holds the OTLP endpoint.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from a YAML file and environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (e.g., FLOWMESH_NATS_URL)
//  2. YAML file (configPath, optional)
//  3. Built-in defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FLOWMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys Viper already knows about; bind the
	// nested ones explicitly.
	v.BindEnv("http.addr", "FLOWMESH_HTTP_ADDR")
	v.BindEnv("nats.url", "FLOWMESH_NATS_URL")
	v.BindEnv("storage.path", "FLOWMESH_STORAGE_PATH")
	v.BindEnv("engine.max_concurrency_per_execution", "FLOWMESH_ENGINE_MAX_CONCURRENCY_PER_EXECUTION")
	v.BindEnv("engine.max_executions_per_instance", "FLOWMESH_ENGINE_MAX_EXECUTIONS_PER_INSTANCE")
	v.BindEnv("engine.execution_deadline_seconds", "FLOWMESH_ENGINE_EXECUTION_DEADLINE_SECONDS")
	v.BindEnv("execution.fail_policy", "FLOWMESH_EXECUTION_FAIL_POLICY")
	v.BindEnv("runner.default_timeout_seconds", "FLOWMESH_RUNNER_DEFAULT_TIMEOUT_SECONDS")
	v.BindEnv("runner.memory_limit_mb", "FLOWMESH_RUNNER_MEMORY_LIMIT_MB")
	v.BindEnv("tracing.otlp_endpoint", "FLOWMESH_TRACING_OTLP_ENDPOINT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("storage.path", "./data/flowmesh.db")
	v.SetDefault("engine.max_concurrency_per_execution", 10)
	v.SetDefault("engine.max_executions_per_instance", 100)
	v.SetDefault("engine.execution_deadline_seconds", 3600)
	v.SetDefault("dispatcher.base_backoff_seconds", 1)
	v.SetDefault("dispatcher.max_backoff_seconds", 30)
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("transport.prefetch_workflow", 10)
	v.SetDefault("transport.prefetch_node", 20)
	v.SetDefault("transport.message_ttl_workflow_seconds", 86400)
	v.SetDefault("transport.message_ttl_node_seconds", 1800)
	v.SetDefault("runner.default_timeout_seconds", 30)
	v.SetDefault("runner.memory_limit_mb", 128)
	v.SetDefault("runner.max_concurrent", 8)
	v.SetDefault("execution.fail_policy", "fail-fast")
	v.SetDefault("tracing.otlp_endpoint", "")
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxConcurrencyPerExecution < 1 || cfg.Engine.MaxConcurrencyPerExecution > 500 {
		return fmt.Errorf("engine.max_concurrency_per_execution must be in [1, 500], got %d", cfg.Engine.MaxConcurrencyPerExecution)
	}
	if cfg.Engine.MaxExecutionsPerInstance < 1 {
		return fmt.Errorf("engine.max_executions_per_instance must be greater than 0")
	}
	if cfg.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher.max_attempts must be greater than 0")
	}
	if cfg.Execution.FailPolicy != "fail-fast" && cfg.Execution.FailPolicy != "continue" {
		return fmt.Errorf("execution.fail_policy must be fail-fast or continue, got %q", cfg.Execution.FailPolicy)
	}
	if cfg.Runner.DefaultTimeoutSeconds < 1 || cfg.Runner.DefaultTimeoutSeconds > 180 {
		return fmt.Errorf("runner.default_timeout_seconds must be in [1, 180], got %d", cfg.Runner.DefaultTimeoutSeconds)
	}
	return nil
}

// ExecutionDeadline returns the engine deadline as a duration.
func (c *Config) ExecutionDeadline() time.Duration {
	return time.Duration(c.Engine.ExecutionDeadlineSeconds) * time.Second
}

// WorkflowTTL returns the workflow queue TTL as a duration.
func (c *Config) WorkflowTTL() time.Duration {
	return time.Duration(c.Transport.MessageTTLWorkflow) * time.Second
}

// NodeTTL returns the node queue TTL as a duration.
func (c *Config) NodeTTL() time.Duration {
	return time.Duration(c.Transport.MessageTTLNode) * time.Second
}

// RunnerTimeout returns the default sandbox deadline as a duration.
func (c *Config) RunnerTimeout() time.Duration {
	return time.Duration(c.Runner.DefaultTimeoutSeconds) * time.Second
}

// BaseBackoff returns the dispatcher's initial backoff as a duration.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Dispatcher.BaseBackoffSeconds) * time.Second
}

// MaxBackoff returns the dispatcher's backoff cap as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Dispatcher.MaxBackoffSeconds) * time.Second
}
