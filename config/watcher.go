package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// Watcher watches a config file for changes and triggers reload callbacks.
// Writes made through Persist are suppressed so saving config does not
// trigger a reload loop.
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	ownWriteUntil  time.Time
	ownWriteMu     sync.Mutex
}

// ReloadCallback receives the freshly loaded config after a file change
type ReloadCallback func(*Config) error

var (
	globalWatcher   *Watcher
	globalWatcherMu sync.Mutex
)

// NewWatcher creates a config file watcher
func NewWatcher(configPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	return &Watcher{
		configPath:     configPath,
		watcher:        watcher,
		callbacks:      make([]ReloadCallback, 0),
		debouncePeriod: 500 * time.Millisecond, // editors emit bursts of writes
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *Watcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite suppresses reloads for the next second. A truncating
// write emits more than one fsnotify event, so a one-shot flag would
// let the trailing event through.
func (cw *Watcher) MarkOwnWrite() {
	cw.ownWriteMu.Lock()
	defer cw.ownWriteMu.Unlock()
	cw.ownWriteUntil = time.Now().Add(time.Second)
}

func (cw *Watcher) checkOwnWrite() bool {
	cw.ownWriteMu.Lock()
	defer cw.ownWriteMu.Unlock()
	return time.Now().Before(cw.ownWriteUntil)
}

// Start begins watching for config file changes
func (cw *Watcher) Start() {
	go cw.watchLoop()
}

func (cw *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if isBackupFile(event.Name) {
					continue
				}
				if cw.checkOwnWrite() {
					logger.Debugw("Config watcher ignoring own write",
						"file", event.Name)
					continue
				}

				logger.Infow("Config watcher detected change",
					"file", event.Name,
					"op", event.Op.String())
				cw.scheduleReload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error",
				"error", err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *Watcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed",
				"error", err)
		}
	})
}

func (cw *Watcher) reload() error {
	Reset()

	newConfig, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := newConfig.Validate(); err != nil {
		return errors.Wrap(err, "rejected invalid config on reload")
	}

	logger.Infow("Config reloaded",
		"path", cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			logger.Warnw("Config reload callback error",
				"error", err)
			// Remaining callbacks still run
		}
	}
	return nil
}

// Stop stops watching for config changes
func (cw *Watcher) Stop() error {
	return cw.watcher.Close()
}

// isBackupFile reports whether the path is one of Persist's rotating backups
func isBackupFile(path string) bool {
	base := filepath.Base(path)
	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// SetGlobalWatcher sets the process-wide watcher instance
func SetGlobalWatcher(watcher *Watcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the process-wide watcher instance
func GetGlobalWatcher() *Watcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
