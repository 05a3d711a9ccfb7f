package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/store"
)

// loadConfigRaw resolves configuration for a command run: the --config
// flag pins one file, otherwise the discovery chain applies.
func loadConfigRaw(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// loadConfig loads and validates configuration
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfigRaw(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// reinitLogger re-initializes the global logger once config is known.
// Explicit -v flags win; otherwise the configured log level applies,
// raised to at least floor so daemon startup stays visible.
func reinitLogger(cmd *cobra.Command, cfg *config.Config, floor int) (int, error) {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	jsonOut := jsonFlag(cmd) || cfg.Log.JSON

	if verbosity == 0 {
		verbosity = logger.LevelToVerbosity(cfg.Log.Level)
		if verbosity < floor {
			verbosity = floor
		}
	}
	if err := logger.InitializeWithVerbosity(jsonOut, verbosity); err != nil {
		return 0, errors.Wrap(err, "failed to initialize logger")
	}
	return verbosity, nil
}

// openStore connects the configured backend. The caller owns Close.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	default:
		s, err := store.NewRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			// The dial error names host:port; the full URL may carry credentials
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		return s, nil
	}
}

// jsonFlag reports whether --json was requested
func jsonFlag(cmd *cobra.Command) bool {
	jsonOut, _ := cmd.Flags().GetBool("json")
	return jsonOut
}

// printJSON renders v as indented JSON on stdout
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal output")
	}
	fmt.Println(string(data))
	return nil
}
