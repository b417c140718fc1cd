package config

import (
	"time"

	"github.com/spf13/viper"
)

// Built-in defaults. Environment variables and the config file override
// these; validation runs on the merged result.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("execution.min_concurrent_steps", 3)
	v.SetDefault("execution.max_concurrent_steps_limit", 25)
	v.SetDefault("execution.max_concurrency", 10)
	v.SetDefault("execution.step_timeout", 30*time.Second)
	v.SetDefault("execution.ambiguous_delay", 30*time.Second)
	v.SetDefault("execution.max_ambiguous_passes", 10)
	v.SetDefault("execution.poll_interval", time.Second)
	v.SetDefault("execution.dedup_window", time.Duration(0))

	v.SetDefault("auth.authentication_enabled", false)
	v.SetDefault("auth.authorization_enabled", false)

	v.SetDefault("health.status_requires_authentication", false)

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.service_name", "tasker")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.prometheus_endpoint", "/metrics")

	v.SetDefault("engine.default_namespace", "default")
	v.SetDefault("engine.default_version", "0.1.0")
	v.SetDefault("engine.task_directories", []string{})

	v.SetDefault("api.address", "127.0.0.1:8080")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
}
