package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/schedule"
)

// SchedulerCmd runs the daily pipeline scheduler on its own
var SchedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the daily pipeline scheduler",
	Long: `Run the daily pipeline scheduler as a standalone process.

Each pass starts full_fresh_run, waits for it, starts amazon_stores, waits
for it, then triggers the export when scheduler.export_url is set. Runs are
driven through the API at server.api_base. Passes are recorded in the
database when it is reachable.

Examples:
  scraperd scheduler            # Fire on scheduler.cron until stopped
  scraperd scheduler run-now    # Run one pass now and print it
  scraperd scheduler history    # Show recent passes`,
	RunE: runScheduler,
}

var schedulerRunNowCmd = &cobra.Command{
	Use:   "run-now",
	Short: "Run one pass immediately and wait for it",
	RunE:  runSchedulerNow,
}

var schedulerHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent scheduler passes",
	RunE:  runSchedulerHistory,
}

var historyLimit int

func init() {
	schedulerHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of passes to show")

	SchedulerCmd.AddCommand(schedulerRunNowCmd)
	SchedulerCmd.AddCommand(schedulerHistoryCmd)
}

// openExecutions opens the execution history when the database is
// reachable. A nil store keeps no history.
func openExecutions(cfg *am.Config, closers *[]func() error) *schedule.ExecutionStore {
	d, err := openDatabase(cfg)
	if err != nil {
		logger.Warnw("Database unavailable, passes will not be recorded", "error", err)
		return nil
	}
	*closers = append(*closers, d.Close)
	return schedule.NewExecutionStore(d)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	sched, err := buildScheduler(ctx, cfg, openExecutions(cfg, &closers), logger.ComponentLogger("scheduler"))
	if err != nil {
		return err
	}
	defer sched.close()

	sched.ticker.Start()
	pterm.Info.Printfln("Scheduler running: %q in %s, next pass at %s",
		cfg.Scheduler.Cron, cfg.Scheduler.Timezone, sched.ticker.GetStats().NextRun.Format(time.RFC3339))

	<-ctx.Done()
	pterm.Info.Println("Stopping scheduler...")
	sched.ticker.Stop()
	sched.pipeline.Wait()

	stats := sched.ticker.GetStats()
	pterm.Success.Printfln("Scheduler stopped (%d fired, %d skipped)", stats.Fired, stats.Skipped)
	return nil
}

func runSchedulerNow(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	sched, err := buildScheduler(ctx, cfg, openExecutions(cfg, &closers), logger.ComponentLogger("scheduler"))
	if err != nil {
		return err
	}
	defer sched.close()

	exec, err := sched.pipeline.Trigger(ctx, schedule.TriggerManual)
	if exec != nil {
		printExecution(exec)
	}
	if err != nil {
		return err
	}
	if exec.Status != schedule.ExecutionStatusCompleted {
		return errors.Newf("pass %s %s", exec.ID, exec.Status)
	}
	return nil
}

func runSchedulerHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	d, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	execs, err := schedule.NewExecutionStore(d).List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		pterm.Info.Println("No scheduler passes recorded")
		return nil
	}

	rows := [][]string{{"ID", "TRIGGER", "STATUS", "STARTED", "DURATION", "STEPS"}}
	for _, e := range execs {
		rows = append(rows, []string{
			shortID(e.ID),
			e.Trigger,
			e.Status,
			e.StartedAt.Local().Format("2006-01-02 15:04"),
			e.Duration().Round(time.Second).String(),
			stepSummary(e.Runs),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printExecution(e *schedule.Execution) {
	pterm.DefaultSection.Printfln("Pass %s (%s)", e.ID, e.Trigger)
	rows := [][]string{{"STEP", "RUN", "STATUS", "NOTE"}}
	for _, r := range e.Runs {
		run := "-"
		if r.RunID > 0 {
			run = fmt.Sprint(r.RunID)
		}
		rows = append(rows, []string{r.Kind, run, r.Status, r.Note})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	line := fmt.Sprintf("Status: %s, took %s", e.Status, e.Duration().Round(time.Second))
	switch e.Status {
	case schedule.ExecutionStatusCompleted:
		pterm.Success.Println(line)
	case schedule.ExecutionStatusSkipped:
		pterm.Warning.Println(line)
	default:
		pterm.Error.Println(line)
		if e.Error != "" {
			pterm.Error.Println(e.Error)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stepSummary(runs []schedule.StepRun) string {
	s := ""
	for i, r := range runs {
		if i > 0 {
			s += " "
		}
		s += r.Kind + "=" + r.Status
	}
	return s
}
