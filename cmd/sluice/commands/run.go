package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/jobs"
	"github.com/teranos/sluice/logger"
	"github.com/teranos/sluice/schedule"
	"github.com/teranos/sluice/sym"
)

// RunCmd starts the crawl daemon
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Sluice + " Start the crawl daemon",
	Long: sym.Sluice + ` run: Start the crawl daemon

The daemon resumes every job that was active when it last stopped, then
applies operator requests ("sluice job start|pause|resume|abort") as they
arrive. Connection defaults and the log level are reloaded when the config
file changes. SIGINT or SIGTERM stops it; in-flight fetches are given
coordinator.stop_timeout to finish.

Examples:
  sluice run                        # Run with the configured worker pools
  sluice run --start docs-site      # Also start a pass of docs-site
  sluice run --events               # Print every scheduler event`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	runStartJobs    []string
	runEvents       bool
	runFetchWorkers int
)

func init() {
	RunCmd.Flags().StringSliceVar(&runStartJobs, "start", nil, "Start these jobs once the daemon is up")
	RunCmd.Flags().BoolVar(&runEvents, "events", false, "Print scheduler events")
	RunCmd.Flags().IntVar(&runFetchWorkers, "workers-fetch", 0, "Override coordinator.workers.fetch")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if cfg.Log.JSON && !jsonLogs {
		if err := logger.Initialize(true); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	}
	log := logger.Logger

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	sink, err := newSink(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := coordinator.New(s.docs, sink, coordinatorConfig(cfg, runFetchWorkers), log)
	coord.Start(ctx)
	defer coord.Stop()

	sched := schedule.New(schedulerConfig(cfg), s.jobs, s.docs, newRegistry(cfg), coord, log)

	if runEvents {
		events, unsubscribe := sched.Subscribe(1024)
		defer unsubscribe()
		go printEvents(ctx, os.Stdout, events)
	}

	if watcher := watchConfig(sched, verbosity, log); watcher != nil {
		defer watcher.Stop()
	}

	stopped := make(chan error, 1)
	go func() { stopped <- sched.Run(ctx) }()

	for _, id := range runStartJobs {
		if err := sched.Request(ctx, id, jobs.RequestStart); err != nil {
			log.Errorw("Failed to start job", "job_id", id, "error", err)
		}
	}

	logger.OpenInfow(log, "sluice daemon running", "database", cfg.GetDatabasePath(), "sink", cfg.Output.Sink)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Infow("Received signal, shutting down", "signal", sig.String())
		cancel()
		return <-stopped
	case err := <-stopped:
		return err
	}
}

// watchConfig reloads connection defaults and the log level when the
// highest-precedence config file changes. Without any config file there is
// nothing to watch.
func watchConfig(sched *schedule.Scheduler, verbosity int, log *zap.SugaredLogger) *am.ConfigWatcher {
	used := am.ConfigFilesUsed()
	if len(used) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(used[len(used)-1], log)
	if err != nil {
		log.Warnw("Config hot reload disabled", "error", err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		sched.SetConnectionDefaults(connectionDefaults(cfg))
		if verbosity == 0 {
			logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
		}
		return nil
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

// printEvents writes one line per event until ctx ends or the scheduler
// closes the stream.
func printEvents(ctx context.Context, w io.Writer, events <-chan schedule.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			line := fmt.Sprintf("%s %-14s %s", ev.At.Format("15:04:05.000"), ev.Kind, ev.JobID)
			if ev.DocID != "" {
				line += " " + ev.DocID
			}
			if ev.Kind == schedule.EventRetired {
				line += " " + ev.Outcome.String()
			}
			if ev.Reason != "" {
				line += " " + pterm.Gray("("+ev.Reason+")")
			}
			fmt.Fprintln(w, line)
		}
	}
}
