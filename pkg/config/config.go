// Package config provides the configuration model for the tasker engine.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then TASKER_* environment variables. Every consumer receives the same
// validated Config; nothing reads viper directly outside this package.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
)

// Config is the root configuration document.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
}

// DatabaseConfig configures the Postgres store.
type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty selects the in-memory
	// store, which is only suitable for a single process.
	URL string `mapstructure:"url" yaml:"url"`

	// MaxConns bounds the pgx connection pool.
	MaxConns int `mapstructure:"max_conns" yaml:"max_conns"`

	// MigrateOnStart runs pending migrations during startup.
	MigrateOnStart bool `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// ExecutionConfig tunes the coordinator's step execution.
type ExecutionConfig struct {
	// MinConcurrentSteps is the batch floor under pressure.
	MinConcurrentSteps int `mapstructure:"min_concurrent_steps" yaml:"min_concurrent_steps"`

	// MaxConcurrentStepsLimit is the batch ceiling.
	MaxConcurrentStepsLimit int `mapstructure:"max_concurrent_steps_limit" yaml:"max_concurrent_steps_limit"`

	// MaxConcurrency is the per-worker step execution pool size.
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`

	// StepTimeout bounds one handler attempt unless the step template
	// overrides it.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`

	// AmbiguousDelay is the re-enqueue delay for passes that find a live
	// task with nothing actionable.
	AmbiguousDelay time.Duration `mapstructure:"ambiguous_delay" yaml:"ambiguous_delay"`

	// MaxAmbiguousPasses bounds consecutive passes with nothing actionable
	// before the task fails as stalled.
	MaxAmbiguousPasses int `mapstructure:"max_ambiguous_passes" yaml:"max_ambiguous_passes"`

	// PollInterval is the worker's idle run-queue poll interval.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// DedupWindow is how far back identical task requests deduplicate.
	// Zero disables deduplication.
	DedupWindow time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
}

// AuthConfig configures API authentication and authorization.
type AuthConfig struct {
	// AuthenticationEnabled turns on bearer-token authentication for the
	// API. Health probes stay open regardless.
	AuthenticationEnabled bool `mapstructure:"authentication_enabled" yaml:"authentication_enabled"`

	// AuthorizationEnabled turns on per-resource authorization checks.
	AuthorizationEnabled bool `mapstructure:"authorization_enabled" yaml:"authorization_enabled"`
}

// HealthConfig configures the health endpoints.
type HealthConfig struct {
	// StatusRequiresAuthentication protects the detailed status endpoint.
	// Readiness and liveness probes never require auth.
	StatusRequiresAuthentication bool `mapstructure:"status_requires_authentication" yaml:"status_requires_authentication"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// PrometheusEndpoint is the metrics scrape path.
	PrometheusEndpoint string `mapstructure:"prometheus_endpoint" yaml:"prometheus_endpoint"`
}

// EngineConfig sets template resolution defaults and template discovery.
type EngineConfig struct {
	DefaultNamespace string `mapstructure:"default_namespace" yaml:"default_namespace"`
	DefaultVersion   string `mapstructure:"default_version" yaml:"default_version"`

	// TaskDirectories are scanned for named-task template files at boot.
	TaskDirectories []string `mapstructure:"task_directories" yaml:"task_directories"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	// Address is the listen address, host:port.
	Address string `mapstructure:"address" yaml:"address"`

	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// Load reads configuration from defaults, the optional YAML file at path,
// and TASKER_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, taskererr.NewConfigurationError("reading config file "+path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, taskererr.NewConfigurationError("unmarshaling configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. It returns a configuration error
// naming the first offending option.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return taskererr.NewConfigurationError(fmt.Sprintf(format, args...), nil)
	}

	if c.Execution.MinConcurrentSteps < 1 {
		return fail("execution.min_concurrent_steps must be at least 1, got %d", c.Execution.MinConcurrentSteps)
	}
	if c.Execution.MaxConcurrentStepsLimit < c.Execution.MinConcurrentSteps {
		return fail("execution.max_concurrent_steps_limit (%d) must be >= execution.min_concurrent_steps (%d)",
			c.Execution.MaxConcurrentStepsLimit, c.Execution.MinConcurrentSteps)
	}
	if c.Execution.MaxConcurrency < 1 {
		return fail("execution.max_concurrency must be at least 1, got %d", c.Execution.MaxConcurrency)
	}
	if c.Execution.MaxAmbiguousPasses < 1 {
		return fail("execution.max_ambiguous_passes must be at least 1, got %d", c.Execution.MaxAmbiguousPasses)
	}
	if c.Execution.StepTimeout <= 0 {
		return fail("execution.step_timeout must be positive, got %s", c.Execution.StepTimeout)
	}
	if c.Execution.PollInterval <= 0 {
		return fail("execution.poll_interval must be positive, got %s", c.Execution.PollInterval)
	}
	if c.Execution.DedupWindow < 0 {
		return fail("execution.dedup_window must not be negative, got %s", c.Execution.DedupWindow)
	}
	if c.Database.MaxConns < 1 {
		return fail("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Engine.DefaultNamespace == "" {
		return fail("engine.default_namespace must not be empty")
	}
	if c.Engine.DefaultVersion == "" {
		return fail("engine.default_version must not be empty")
	}
	if c.API.Address == "" {
		return fail("api.address must not be empty")
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.PrometheusEndpoint == "" {
		return fail("telemetry.prometheus_endpoint must be set when metrics are enabled")
	}
	if c.Auth.AuthorizationEnabled && !c.Auth.AuthenticationEnabled {
		return fail("auth.authorization_enabled requires auth.authentication_enabled")
	}
	return nil
}
