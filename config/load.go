package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/relay/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the relay configuration using Viper. The result is cached;
// Reset clears it (used by the watcher and tests).
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, skipping the
// discovery chain. Used by the --config flag.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// Reset clears the cached configuration
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for relay.toml by walking up the directory
// tree from the working directory. Returns empty when none is found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "relay.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// candidateFiles returns the discovery chain in precedence order (lowest
// to highest): system < user < project.
func candidateFiles() []string {
	homeDir, _ := os.UserHomeDir()

	configPaths := []string{
		"/etc/relay/relay.toml",
		filepath.Join(homeDir, ".relay", "relay.toml"),
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}
	return configPaths
}

// ActiveFiles returns the config files the discovery chain found on disk,
// lowest precedence first. Empty when running on defaults and env alone.
func ActiveFiles() []string {
	var found []string
	for _, configPath := range candidateFiles() {
		if _, err := os.Stat(configPath); err == nil {
			found = append(found, configPath)
		}
	}
	return found
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): system < user < project. Environment variables sit
// above all files.
func mergeConfigFiles(v *viper.Viper) {
	for _, configPath := range candidateFiles() {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		// MergeConfigMap stays below env vars in viper's precedence,
		// unlike Set
		v.MergeConfigMap(tempViper.AllSettings())
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return initViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return initViper().GetString(key)
}

// GetBool returns a configuration value as bool using dot notation
func GetBool(key string) bool {
	return initViper().GetBool(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	return initViper().GetInt(key)
}
