package config

import (
	"bytes"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/relay/errors"
)

const fileHeader = `# relay configuration
# Precedence: /etc/relay/relay.toml < ~/.relay/relay.toml < ./relay.toml < RELAY_* env vars
# Every key is optional; omitted keys use the defaults shown here.

`

// DefaultTree returns the default configuration as a TOML-marshalable tree
func DefaultTree() map[string]any {
	return map[string]any{
		"log": map[string]any{
			"level": "info",
			"json":  false,
		},
		"store": map[string]any{
			"backend":   "redis",
			"redis_url": "redis://localhost:6379/0",
		},
		"broker": map[string]any{
			"strict_matching":     true,
			"default_priority":    50,
			"default_max_retries": 3,
			"candidate_window":    20,
			"min_worker_version":  "",
		},
		"worker": map[string]any{
			"poll_interval_ms":      1000,
			"max_concurrent_jobs":   1,
			"job_timeout_minutes":   30,
			"heartbeat_interval_ms": 30000,
			"services":              []string{"sim"},
			"gpu_memory_gb":         0.0,
			"gpu_model":             "",
		},
		"reclaimer": map[string]any{
			"scan_interval_s":     60,
			"heartbeat_timeout_s": 120,
			"progress_timeout_s":  300,
		},
		"server": map[string]any{
			"host":                  "0.0.0.0",
			"port":                  3331,
			"allowed_origins":       []string{},
			"max_clients":           100,
			"max_message_bytes":     100 * 1024 * 1024,
			"chunk_bytes":           1024 * 1024,
			"stats_interval_ms":     5000,
			"connection_timeout_ms": 60000,
			"submit_rate_per_sec":   10.0,
			"submit_burst":          20,
		},
	}
}

// WriteDefault writes the default configuration to path. Refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path)
	}
	return writeTree(path, DefaultTree())
}

// Persist writes a settings tree to path, rotating backups first. The
// global watcher (if any) is told to ignore the write.
func Persist(path string, tree map[string]any) error {
	if err := createBackup(path); err != nil {
		return err
	}
	if watcher := GetGlobalWatcher(); watcher != nil {
		watcher.MarkOwnWrite()
	}
	return writeTree(path, tree)
}

func writeTree(path string, tree map[string]any) error {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)

	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(tree); err != nil {
		return errors.Wrap(err, "failed to encode config as TOML")
	}

	if err := os.WriteFile(path, buf.Bytes(), DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", path)
	}
	return nil
}

// createBackup rotates backups (.back1, .back2, .back3) before a write
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
