package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// watcher tests drive the real discovery chain, so they pin cwd to a temp
// dir holding the watched relay.toml.
func setupWatchedConfig(t *testing.T) (string, *Watcher) {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(dir, "relay.toml")
	if err := os.WriteFile(path, []byte("[broker]\ndefault_priority = 60\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	w.Start()
	return path, w
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path, w := setupWatchedConfig(t)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})

	if err := os.WriteFile(path, []byte("[broker]\ndefault_priority = 77\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Broker.DefaultPriority != 77 {
			t.Errorf("expected reloaded priority 77, got %d", cfg.Broker.DefaultPriority)
		}
		if cfg.Server.Port != 3331 {
			t.Errorf("reload should keep defaults for untouched keys, got port %d", cfg.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcher_IgnoresOwnWrite(t *testing.T) {
	path, w := setupWatchedConfig(t)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})

	w.MarkOwnWrite()
	if err := os.WriteFile(path, []byte("[broker]\ndefault_priority = 90\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("own write should not trigger a reload")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	path, w := setupWatchedConfig(t)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})

	// Priority out of range fails validation; callbacks must not run
	if err := os.WriteFile(path, []byte("[broker]\ndefault_priority = 500\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("invalid config should not reach reload callbacks")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestIsBackupFile(t *testing.T) {
	if !isBackupFile("/tmp/relay.toml.back1") {
		t.Error("expected .back1 to be a backup file")
	}
	if !isBackupFile("relay.toml.back3") {
		t.Error("expected .back3 to be a backup file")
	}
	if isBackupFile("/tmp/relay.toml") {
		t.Error("relay.toml is not a backup file")
	}
}
