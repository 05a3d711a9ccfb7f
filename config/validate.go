package config

import "github.com/teranos/relay/errors"

var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that the configuration is usable. Zero values mean
// "use the default" throughout; negatives are invalid.
func (c *Config) Validate() error {
	if !validLogLevels[c.Log.Level] {
		return errors.Newf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	switch c.Store.Backend {
	case "", "redis", "memory":
	default:
		return errors.Newf("store.backend must be \"redis\" or \"memory\", got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return errors.New("store.redis_url cannot be empty when store.backend is \"redis\"")
	}

	if c.Broker.DefaultPriority < 0 || c.Broker.DefaultPriority > 100 {
		return errors.Newf("broker.default_priority must be in 0..100, got %d", c.Broker.DefaultPriority)
	}
	if c.Broker.DefaultMaxRetries < 0 {
		return errors.Newf("broker.default_max_retries must be >= 0, got %d", c.Broker.DefaultMaxRetries)
	}
	if c.Broker.CandidateWindow < 0 {
		return errors.Newf("broker.candidate_window must be >= 0, got %d", c.Broker.CandidateWindow)
	}

	if c.Worker.PollIntervalMs < 0 {
		return errors.Newf("worker.poll_interval_ms must be >= 0, got %d", c.Worker.PollIntervalMs)
	}
	if c.Worker.MaxConcurrentJobs < 0 {
		return errors.Newf("worker.max_concurrent_jobs must be >= 0, got %d", c.Worker.MaxConcurrentJobs)
	}
	if c.Worker.JobTimeoutMinutes < 0 {
		return errors.Newf("worker.job_timeout_minutes must be >= 0, got %d", c.Worker.JobTimeoutMinutes)
	}
	if c.Worker.HeartbeatIntervalMs < 0 {
		return errors.Newf("worker.heartbeat_interval_ms must be >= 0, got %d", c.Worker.HeartbeatIntervalMs)
	}
	if len(c.Worker.Services) == 0 {
		return errors.New("worker.services must list at least one service")
	}
	if c.Worker.GPUMemoryGB < 0 {
		return errors.Newf("worker.gpu_memory_gb must be >= 0, got %f", c.Worker.GPUMemoryGB)
	}

	if c.Reclaimer.ScanIntervalS < 0 {
		return errors.Newf("reclaimer.scan_interval_s must be >= 0, got %d", c.Reclaimer.ScanIntervalS)
	}
	if c.Reclaimer.HeartbeatTimeoutS < 0 {
		return errors.Newf("reclaimer.heartbeat_timeout_s must be >= 0, got %d", c.Reclaimer.HeartbeatTimeoutS)
	}
	if c.Reclaimer.ProgressTimeoutS < 0 {
		return errors.Newf("reclaimer.progress_timeout_s must be >= 0, got %d", c.Reclaimer.ProgressTimeoutS)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 0..65535, got %d", c.Server.Port)
	}
	if c.Server.MaxClients < 0 {
		return errors.Newf("server.max_clients must be >= 0, got %d", c.Server.MaxClients)
	}
	if c.Server.MaxMessageBytes < 0 {
		return errors.Newf("server.max_message_bytes must be >= 0, got %d", c.Server.MaxMessageBytes)
	}
	if c.Server.ChunkBytes < 0 {
		return errors.Newf("server.chunk_bytes must be >= 0, got %d", c.Server.ChunkBytes)
	}
	if c.Server.MaxMessageBytes > 0 && c.Server.ChunkBytes > c.Server.MaxMessageBytes {
		return errors.Newf("server.chunk_bytes (%d) cannot exceed server.max_message_bytes (%d)",
			c.Server.ChunkBytes, c.Server.MaxMessageBytes)
	}
	if c.Server.StatsIntervalMs < 0 {
		return errors.Newf("server.stats_interval_ms must be >= 0, got %d", c.Server.StatsIntervalMs)
	}
	if c.Server.ConnectionTimeoutMs < 0 {
		return errors.Newf("server.connection_timeout_ms must be >= 0, got %d", c.Server.ConnectionTimeoutMs)
	}
	if c.Server.SubmitRatePerSec < 0 {
		return errors.Newf("server.submit_rate_per_sec must be >= 0, got %f", c.Server.SubmitRatePerSec)
	}
	if c.Server.SubmitBurst < 0 {
		return errors.Newf("server.submit_burst must be >= 0, got %d", c.Server.SubmitBurst)
	}

	return nil
}
