package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/display"
	"github.com/teranos/sluice/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage sluice configuration",
	Long: sym.AM + ` am: Manage sluice configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (SLUICE_* prefix)
2. Project config (nearest ./sluice.toml, searching up directories)
3. User config (~/.sluice/sluice.toml, or the file given with --config)
4. System config (/etc/sluice/sluice.toml)
5. Default values

Examples:
  sluice am show                          # Show current configuration
  sluice am show --format json            # Show configuration in JSON format
  sluice am get coordinator.workers.fetch # Get specific config value
  sluice am where                         # Show where each value comes from
  sluice am init                          # Write a default config file
  sluice am set log.level debug           # Change one value`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Args:  cobra.NoArgs,
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default",
	Long: `Write a config file containing every setting at its default value.
Without a path the user config (~/.sluice/sluice.toml) is written. An
existing file is kept unless --force is given, in which case it is backed
up first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one value in a config file",
	Long: `Set one configuration value and write it back to a config file. The
value is converted to the type of the setting's default and the resulting
configuration must validate before anything is written. A running daemon
watching the file picks the change up.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var (
	configFormat string
	initForce    bool
	setFile      string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file (a backup is kept)")
	amSetCmd.Flags().StringVar(&setFile, "file", "", "Config file to modify (default: --config, the project file, or the user file)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amSetCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# sluice configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# sluice configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	fmt.Println(am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println(pterm.LightGreen("✓ Configuration is valid"))
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	settings := am.Introspect()
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(settings)
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]      Built-in defaults")
	for i, c := range am.CandidatePaths() {
		marker := pterm.Gray("(not present)")
		if _, err := os.Stat(c.Path); err == nil {
			marker = pterm.LightGreen("(loaded)")
		}
		fmt.Printf("  %d. [%-11s] %s %s\n", i+2, c.Source, c.Path, marker)
	}
	fmt.Printf("  %d. [ENVIRONMENT]  %s_* environment variables\n", len(am.CandidatePaths())+2, am.EnvPrefix)
	fmt.Println()

	data := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
	for _, s := range settings {
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		data = append(data, []string{s.Key, value, string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path, err := userConfigPath()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		path = args[0]
	}
	if err := am.WriteDefault(path, initForce); err != nil {
		return err
	}
	pterm.Printf("%s Wrote default configuration to %s\n", sym.AM, path)
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := setFile
	if path == "" {
		var err error
		if path, err = defaultWritableConfig(); err != nil {
			return err
		}
	}
	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}
	pterm.Printf("%s %s = %s in %s\n", sym.AM, args[0], args[1], path)
	return nil
}

// defaultWritableConfig picks the file `am set` modifies: the highest
// precedence file currently loaded, else the user config.
func defaultWritableConfig() (string, error) {
	if _, err := am.Load(); err != nil {
		return "", err
	}
	if used := am.ConfigFilesUsed(); len(used) > 0 {
		return used[len(used)-1], nil
	}
	return userConfigPath()
}

func userConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, am.UserConfigDir, am.ConfigFileName), nil
}
