package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	// Store defaults
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")

	// Broker defaults
	v.SetDefault("broker.strict_matching", true)
	v.SetDefault("broker.default_priority", 50)
	v.SetDefault("broker.default_max_retries", 3)
	v.SetDefault("broker.candidate_window", 20)
	v.SetDefault("broker.min_worker_version", "")

	// Worker defaults
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.max_concurrent_jobs", 1)
	v.SetDefault("worker.job_timeout_minutes", 30)
	v.SetDefault("worker.heartbeat_interval_ms", 30000)
	v.SetDefault("worker.services", []string{"sim"})
	v.SetDefault("worker.gpu_memory_gb", 0.0)
	v.SetDefault("worker.gpu_model", "")

	// Reclaimer defaults
	v.SetDefault("reclaimer.scan_interval_s", 60)
	v.SetDefault("reclaimer.heartbeat_timeout_s", 120)
	v.SetDefault("reclaimer.progress_timeout_s", 300)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3331)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_clients", 100)
	v.SetDefault("server.max_message_bytes", 100*1024*1024)
	v.SetDefault("server.chunk_bytes", 1024*1024)
	v.SetDefault("server.stats_interval_ms", 5000)
	v.SetDefault("server.connection_timeout_ms", 60000)
	v.SetDefault("server.submit_rate_per_sec", 10.0)
	v.SetDefault("server.submit_burst", 20)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to
// environment variables. The Redis URL may carry credentials, so it gets a
// dedicated binding in addition to the automatic RELAY_ mapping.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("store.redis_url", "RELAY_STORE_REDIS_URL")
	v.BindEnv("broker.min_worker_version", "RELAY_BROKER_MIN_WORKER_VERSION")
}
