package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sluice/display"
	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/jobs"
	"github.com/teranos/sluice/sym"
)

// JobCmd represents the job command
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Sluice + " List, inspect and control crawl jobs",
	Long: sym.Sluice + ` job: List, inspect and control crawl jobs

Control commands record a request that the running daemon applies on its
next tick, so they work whether or not a daemon is up.

Examples:
  sluice job ls                 # List all jobs
  sluice job ls --state crawling
  sluice job show docs-site     # Definition, status and document counts
  sluice job start docs-site    # Start a full pass
  sluice job pause docs-site    # Freeze dispatch
  sluice job abort docs-site    # Stop the pass, keep pending documents`,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's definition, status and document counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job and all of its document records",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRm,
}

var (
	jobStateFilter string
	jobRmForce     bool
)

func init() {
	jobLsCmd.Flags().StringVar(&jobStateFilter, "state", "", "Only list jobs in this state (idle, seeding, crawling, done)")
	jobRmCmd.Flags().BoolVar(&jobRmForce, "force", false, "Delete even if the job is recorded as running (no daemon is up)")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobRmCmd)
	for _, r := range []struct {
		req   jobs.Request
		short string
	}{
		{jobs.RequestStart, "Start a full crawl pass"},
		{jobs.RequestPause, "Freeze dispatch for a job"},
		{jobs.RequestResume, "Resume a paused job"},
		{jobs.RequestAbort, "Abort the current pass and stop the schedule"},
	} {
		JobCmd.AddCommand(requestCmd(r.req, r.short))
	}
}

func requestCmd(req jobs.Request, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(req) + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStores()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.jobs.SetRequest(context.Background(), args[0], req); err != nil {
				return err
			}
			pterm.Printf("%s %s requested for %s\n", sym.Sluice, req, args[0])
			return nil
		},
	}
}

func runJobLs(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	all, err := s.jobs.ListJobs(context.Background(), jobs.State(jobStateFilter))
	if err != nil {
		return err
	}
	if len(all) == 0 && !display.ShouldOutputJSON(cmd) {
		pterm.Println(pterm.Gray("no jobs"))
		return nil
	}

	return display.Render(cmd, all, func() pterm.TableData {
		data := pterm.TableData{{"ID", "NAME", "CONNECTION", "SCHEDULE", "PRIORITY", "STATE", "PASS", "ERRORS", "NEXT RUN"}}
		for _, j := range all {
			data = append(data, []string{
				j.ID,
				j.Name,
				j.Connection,
				j.Schedule.String(),
				strconv.Itoa(j.Priority),
				stateLabel(j.Status),
				strconv.FormatInt(j.Pass, 10),
				strconv.Itoa(j.ErrorCount),
				formatTime(j.NextRunAt),
			})
		}
		return data
	})
}

func runJobShow(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	j, err := s.jobs.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	counts, err := s.docs.Counts(ctx, j.ID)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(struct {
			*jobs.Job
			Documents map[docstate.Status]int
		}{j, counts})
	}

	fmt.Printf("%s Job %s\n", sym.Sluice, j.ID)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Name:         %s\n", j.Name)
	fmt.Printf("Connection:   %s\n", j.Connection)
	fmt.Printf("Schedule:     %s\n", j.Schedule)
	fmt.Printf("Priority:     %d\n", j.Priority)
	if j.MaxConcurrency > 0 {
		fmt.Printf("Concurrency:  %d\n", j.MaxConcurrency)
	}
	fmt.Printf("Roots:        %s\n", strings.Join(j.Seeds.Roots, ", "))
	if len(j.Seeds.Include) > 0 {
		fmt.Printf("Include:      %s\n", strings.Join(j.Seeds.Include, ", "))
	}
	if len(j.Seeds.Exclude) > 0 {
		fmt.Printf("Exclude:      %s\n", strings.Join(j.Seeds.Exclude, ", "))
	}
	fmt.Printf("Max hops:     %d\n", j.Seeds.MaxHops)
	fmt.Println()

	fmt.Printf("State:        %s\n", stateLabel(j.Status))
	if j.Request != jobs.RequestNone {
		fmt.Printf("Requested:    %s\n", pterm.Yellow(string(j.Request)))
	}
	fmt.Printf("Pass:         %d\n", j.Pass)
	fmt.Printf("Last run:     %s\n", formatTime(j.LastRunAt))
	fmt.Printf("Next run:     %s\n", formatTime(j.NextRunAt))
	fmt.Printf("Errors:       %d\n", j.ErrorCount)
	if j.LastError != "" {
		fmt.Printf("Last error:   %s\n", pterm.Red(j.LastError))
	}
	fmt.Println()

	fmt.Printf("Documents:\n")
	if len(counts) == 0 {
		fmt.Println(pterm.Gray("  none"))
	}
	for _, status := range sortedKeys(counts) {
		fmt.Printf("  %-12s  %d\n", status, counts[status])
	}
	return nil
}

func runJobRm(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	j, err := s.jobs.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	if j.State.Running() && !jobRmForce {
		return fmt.Errorf("job %s is %s; abort it first", j.ID, j.State)
	}
	if err := s.jobs.DeleteJob(ctx, j.ID); err != nil {
		return err
	}
	pterm.Printf("%s job %s deleted\n", sym.Sluice, j.ID)
	return nil
}

func stateLabel(st jobs.Status) string {
	label := string(st.State)
	if st.Paused() {
		return label + " " + pterm.Yellow("(paused: "+st.PauseReason+")")
	}
	return label
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
