package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sluice/display"
	"github.com/teranos/sluice/sym"
)

// ConnCmd represents the conn (connection) command
var ConnCmd = &cobra.Command{
	Use:   "conn",
	Short: sym.Connector + " List and remove connections",
	Long: sym.Connector + ` conn: List and remove connections

Connections are created with "sluice apply -f". A connection still used
by a job cannot be removed.`,
}

var connLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List connections",
	Args:  cobra.NoArgs,
	RunE:  runConnLs,
}

var connRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnRm,
}

func init() {
	ConnCmd.AddCommand(connLsCmd)
	ConnCmd.AddCommand(connRmCmd)
}

func runConnLs(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	conns, err := s.jobs.ListConnections(context.Background())
	if err != nil {
		return err
	}
	if len(conns) == 0 && !display.ShouldOutputJSON(cmd) {
		pterm.Println(pterm.Gray("no connections"))
		return nil
	}

	return display.Render(cmd, conns, func() pterm.TableData {
		data := pterm.TableData{{"NAME", "TYPE", "VERSION", "CONCURRENCY", "RATE", "DESCRIPTION"}}
		for _, c := range conns {
			version := c.ConnectorVersion
			if version == "" {
				version = "latest"
			}
			concurrency := "default"
			if c.MaxConcurrency > 0 {
				concurrency = strconv.Itoa(c.MaxConcurrency)
			}
			rate := "default"
			if c.RateCapacity > 0 {
				rate = strconv.Itoa(c.RateCapacity) + "/" + c.RateTick.String()
			}
			data = append(data, []string{c.Name, c.ConnectorType, version, concurrency, rate, c.Description})
		}
		return data
	})
}

func runConnRm(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.jobs.DeleteConnection(context.Background(), args[0]); err != nil {
		return err
	}
	pterm.Printf("%s connection %s deleted\n", sym.Connector, args[0])
	return nil
}
