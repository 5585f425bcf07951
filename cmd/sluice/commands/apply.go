package commands

import (
	"context"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sluice/jobs"
	"github.com/teranos/sluice/sym"
)

// ApplyCmd creates or updates connections and jobs from a YAML file
var ApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: sym.DB + " Create or update connections and jobs from a YAML file",
	Long: `Create or update connections and jobs from a definitions file.

Every entry is validated before anything is written, so a file with one bad
entry changes nothing. Existing jobs keep their status; only the
definition is replaced. Use "-f -" to read from stdin.

Example file:

  connections:
    - name: handbook
      type: web
      config:
        base_url: https://handbook.example.com
      max_concurrency: 2
      rate: {capacity: 5, tick: 1s}
  jobs:
    - id: handbook-daily
      connection: handbook
      seeds: {roots: ["/"], max_hops: 3, exclude: ["*/print/*"]}
      schedule: {mode: periodic, interval: 24h}`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

var applyFile string

func init() {
	ApplyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "Definitions file (YAML)")
	ApplyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	var (
		defs *jobs.Definitions
		err  error
	)
	if applyFile == "-" {
		defs, err = jobs.LoadDefinitions(os.Stdin)
	} else {
		defs, err = jobs.LoadDefinitionsFile(applyFile)
	}
	if err != nil {
		return err
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.jobs.Apply(context.Background(), defs)
	if err != nil {
		return err
	}
	for _, name := range res.Connections {
		pterm.Printf("%s connection %s applied\n", sym.Connector, pterm.LightGreen(name))
	}
	for _, id := range res.Jobs {
		pterm.Printf("%s job %s applied\n", sym.Sluice, pterm.LightGreen(id))
	}
	if len(res.Connections)+len(res.Jobs) == 0 {
		pterm.Println(pterm.Gray("nothing to apply"))
	}
	return nil
}
