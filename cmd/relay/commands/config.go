package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relay configuration",
	Long: `Display and manage relay configuration.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (RELAY_* prefix)
3. Project config (./relay.toml, searched up the directory tree)
4. User config (~/.relay/relay.toml)
5. System config (/etc/relay/relay.toml)
6. Default values

Examples:
  relay config init               # Write a default relay.toml
  relay config show               # Show effective configuration
  relay config show --format json
  relay config get server.port    # Get one value
  relay config validate           # Check the configuration is valid`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a commented default config file to the given path
(default ./relay.toml). Fails if the file already exists.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the effective relay configuration merged from all sources",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., server.port, worker.services)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current relay configuration is valid",
	RunE:  runConfigValidate,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")

	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "relay.toml"
	if len(args) == 1 {
		path = args[0]
	}

	if err := config.WriteDefault(path); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote default config to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings, err := effectiveSettings(cmd)
	if err != nil {
		return err
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# Relay configuration (effective)\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

// effectiveSettings returns the merged settings view the commands render.
// Viper's AllSettings keeps the file's snake_case keys, so output stays
// copy-pasteable into relay.toml.
func effectiveSettings(cmd *cobra.Command) (map[string]any, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.GetViper().AllSettings(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	config.SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return v.AllSettings(), nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := config.GetViper()
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}

	fmt.Println(config.Get(key))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigRaw(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}
