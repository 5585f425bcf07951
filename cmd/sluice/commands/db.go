package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/db"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the sluice database",
	Long: sym.DB + ` db: Manage the sluice database

Examples:
  sluice db migrate    # Apply pending schema migrations
  sluice db stats      # Show connection, job and document counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	pterm.Printf("%s Schema up to date (%d migrations applied)\n", sym.DB, len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	s, err := openStores()
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer s.Close()

	ctx := context.Background()
	stats, err := s.jobs.GetStats(ctx)
	if err != nil {
		return err
	}
	docCounts, err := documentTotals(ctx, s)
	if err != nil {
		return err
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:  %s\n", cfg.GetDatabasePath())
	fmt.Printf("Connections:    %d\n", stats.Connections)
	fmt.Printf("Jobs:           %d\n", stats.Jobs)
	for _, state := range sortedKeys(stats.JobsByState) {
		fmt.Printf("  %-12s  %d\n", state, stats.JobsByState[state])
	}
	fmt.Println()

	fmt.Printf("Documents:\n")
	if len(docCounts) == 0 {
		fmt.Println(pterm.Gray("  none"))
	}
	for _, status := range sortedKeys(docCounts) {
		fmt.Printf("  %-12s  %d\n", status, docCounts[status])
	}
	return nil
}

func documentTotals(ctx context.Context, s *stores) (map[docstate.Status]int, error) {
	all, err := s.jobs.ListJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	totals := make(map[docstate.Status]int)
	for _, j := range all {
		counts, err := s.docs.Counts(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		for status, n := range counts {
			totals[status] += n
		}
	}
	return totals, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
