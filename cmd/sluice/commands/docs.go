package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sluice/display"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/sym"
)

// DocsCmd represents the docs command
var DocsCmd = &cobra.Command{
	Use:   "docs",
	Short: sym.DB + " Inspect per-document crawl state",
}

var docsLsCmd = &cobra.Command{
	Use:   "ls <job-id>",
	Short: "List document records of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsLs,
}

var docsShowCmd = &cobra.Command{
	Use:   "show <job-id> <doc-id>",
	Short: "Show one document record",
	Args:  cobra.ExactArgs(2),
	RunE:  runDocsShow,
}

var (
	docsStatus string
	docsLimit  int
)

func init() {
	docsLsCmd.Flags().StringVar(&docsStatus, "status", "", "Only list records with this status (pending, processing, completed, error, deleted)")
	docsLsCmd.Flags().IntVar(&docsLimit, "limit", 50, "Maximum number of records")

	DocsCmd.AddCommand(docsLsCmd)
	DocsCmd.AddCommand(docsShowCmd)
}

func runDocsLs(cmd *cobra.Command, args []string) error {
	status := docstate.Status(docsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", docsStatus)
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.jobs.GetJob(ctx, args[0]); err != nil {
		return err
	}
	records, err := s.docs.ListRecords(ctx, args[0], status, docsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 && !display.ShouldOutputJSON(cmd) {
		pterm.Println(pterm.Gray("no documents"))
		return nil
	}

	return display.Render(cmd, records, func() pterm.TableData {
		data := pterm.TableData{{"DOCUMENT", "STATUS", "FETCHED", "FAILS", "PASS", "ERROR"}}
		for _, r := range records {
			data = append(data, []string{
				r.DocID,
				statusLabel(r.Status),
				formatTime(r.LastFetch),
				strconv.Itoa(r.FailCount),
				strconv.FormatInt(r.SeenPass, 10),
				r.LastError,
			})
		}
		return data
	})
}

func runDocsShow(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.docs.GetRecord(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(r)
	}

	fmt.Printf("%s %s\n", sym.DB, r.DocID)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Job:          %s\n", r.JobID)
	fmt.Printf("Status:       %s\n", statusLabel(r.Status))
	fmt.Printf("Version:      %d\n", r.Version)
	fmt.Printf("Fingerprint:  %s\n", r.Fingerprint)
	fmt.Printf("Last fetch:   %s\n", formatTime(r.LastFetch))
	fmt.Printf("Priority:     %d\n", r.Priority)
	fmt.Printf("Seen pass:    %d\n", r.SeenPass)
	fmt.Printf("Failures:     %d\n", r.FailCount)
	if r.LastError != "" {
		fmt.Printf("Last error:   %s\n", pterm.Red(r.LastError))
	}
	if r.DeletedAt != nil {
		fmt.Printf("Deleted at:   %s\n", formatTime(r.DeletedAt))
	}
	if r.ACL != "" {
		fmt.Printf("ACL:          %s\n", r.ACL)
	}
	return nil
}

func statusLabel(s docstate.Status) string {
	switch s {
	case docstate.StatusCompleted:
		return pterm.LightGreen(string(s))
	case docstate.StatusError:
		return pterm.Red(string(s))
	case docstate.StatusProcessing:
		return pterm.Yellow(string(s))
	case docstate.StatusDeleted:
		return pterm.Gray(string(s))
	}
	return string(s)
}
