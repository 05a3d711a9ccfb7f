package config

import "time"

// Config is the full relay configuration. One relay.toml covers every
// process role; each binary reads the sections it needs.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reclaimer ReclaimerConfig `mapstructure:"reclaimer"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	JSON  bool   `mapstructure:"json"`  // structured JSON instead of console output
}

// StoreConfig selects the shared store backend
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`   // "redis" | "memory"
	RedisURL string `mapstructure:"redis_url"` // e.g. "redis://localhost:6379/0"
}

// BrokerConfig tunes submission defaults and the claim path
type BrokerConfig struct {
	StrictMatching    bool   `mapstructure:"strict_matching"`
	DefaultPriority   int    `mapstructure:"default_priority"`    // 0..100
	DefaultMaxRetries int    `mapstructure:"default_max_retries"` // attempts before terminal failure
	CandidateWindow   int    `mapstructure:"candidate_window"`    // top-K scanned under strict matching
	MinWorkerVersion  string `mapstructure:"min_worker_version"`  // semver constraint, empty disables the gate
}

// WorkerConfig tunes one worker process
type WorkerConfig struct {
	PollIntervalMs      int      `mapstructure:"poll_interval_ms"`
	MaxConcurrentJobs   int      `mapstructure:"max_concurrent_jobs"`
	JobTimeoutMinutes   int      `mapstructure:"job_timeout_minutes"`
	HeartbeatIntervalMs int      `mapstructure:"heartbeat_interval_ms"`
	Services            []string `mapstructure:"services"`      // connector services to run, e.g. ["sim"]
	GPUMemoryGB         float64  `mapstructure:"gpu_memory_gb"` // advertised GPU memory; not probed
	GPUModel            string   `mapstructure:"gpu_model"`
}

// PollInterval returns the claim cadence as a duration
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the liveness refresh cadence as a duration
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}

// JobTimeout returns the per-job hard deadline as a duration
func (w WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutMinutes) * time.Minute
}

// ReclaimerConfig tunes the failure-recovery sweep
type ReclaimerConfig struct {
	ScanIntervalS     int `mapstructure:"scan_interval_s"`
	HeartbeatTimeoutS int `mapstructure:"heartbeat_timeout_s"`
	ProgressTimeoutS  int `mapstructure:"progress_timeout_s"`
}

// ScanInterval returns the sweep cadence as a duration
func (r ReclaimerConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalS) * time.Second
}

// HeartbeatTimeout returns the worker liveness cutoff as a duration
func (r ReclaimerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(r.HeartbeatTimeoutS) * time.Second
}

// ProgressTimeout returns the stalled-job cutoff as a duration
func (r ReclaimerConfig) ProgressTimeout() time.Duration {
	return time.Duration(r.ProgressTimeoutS) * time.Second
}

// ServerConfig configures the coordinator's HTTP/WebSocket surface
type ServerConfig struct {
	Host                string   `mapstructure:"host"`
	Port                int      `mapstructure:"port"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"` // empty = localhost only
	MaxClients          int      `mapstructure:"max_clients"`
	MaxMessageBytes     int      `mapstructure:"max_message_bytes"`
	ChunkBytes          int      `mapstructure:"chunk_bytes"`
	StatsIntervalMs     int      `mapstructure:"stats_interval_ms"`
	ConnectionTimeoutMs int      `mapstructure:"connection_timeout_ms"`
	SubmitRatePerSec    float64  `mapstructure:"submit_rate_per_sec"`
	SubmitBurst         int      `mapstructure:"submit_burst"`
}

// StatsInterval returns the monitor broadcast cadence as a duration
func (s ServerConfig) StatsInterval() time.Duration {
	return time.Duration(s.StatsIntervalMs) * time.Millisecond
}

// ConnectionTimeout returns the WebSocket liveness window as a duration
func (s ServerConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
