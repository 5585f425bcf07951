package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/cmd/sluice/commands"
	"github.com/teranos/sluice/logger"
)

var rootCmd = &cobra.Command{
	Use:   "sluice",
	Short: "sluice - incremental content crawler",
	Long: `sluice - incremental crawling of content repositories.

sluice enumerates documents from connectors (filesystem, web, s3, git),
fetches only what changed since the last pass and hands every committed
document to an output sink. Crawl state lives in one SQLite database, so a
restarted daemon resumes where it stopped.

Available commands:
  run        - Start the crawl daemon
  apply      - Create or update connections and jobs from a YAML file
  job        - List, inspect and control jobs
  conn       - List and remove connections
  docs       - Inspect per-document crawl state
  connectors - List registered connector types
  am         - Manage sluice configuration ("I am")
  db         - Manage the sluice database

Examples:
  sluice apply -f crawl.yaml     # Define connections and jobs
  sluice job start docs-site     # Ask the daemon to start a job
  sluice run                     # Run the daemon
  sluice docs ls docs-site       # Show document state`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			if err := am.UseFile(path); err != nil {
				return err
			}
		}

		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		// `run` switches to log.level from config unless -v was given
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetLevel(logger.VerbosityToLevel(verbosity))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Use this config file instead of searching the standard locations")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().Bool("json", false, "Print command output as JSON")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ApplyCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ConnCmd)
	rootCmd.AddCommand(commands.DocsCmd)
	rootCmd.AddCommand(commands.ConnectorsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
