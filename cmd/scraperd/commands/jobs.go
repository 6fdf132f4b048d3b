package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
	"github.com/4liaghaie/scraper-dashboard/pulse/schedule"
)

// JobsCmd groups the run API client commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Start, inspect and cancel runs",
	Long: `Start, inspect and cancel runs through the API at server.api_base
(override with --api).

Examples:
  scraperd jobs start full_fresh_run
  scraperd jobs start rebaid_details -p missing_only=true -p limit=500 --wait
  scraperd jobs status 42
  scraperd jobs cancel 42
  scraperd jobs cancel-all --kind amazon_stores
  scraperd jobs ls --status running`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <kind>",
	Short: "Start a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStart,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsCancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel every unfinished run, or those of --kind",
	Args:  cobra.NoArgs,
	RunE:  runJobsCancelAll,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runJobsLs,
}

var (
	jobsAPI     string
	jobsParams  []string
	jobsWait    bool
	jobsTimeout time.Duration
	jobsKind    string
	jobsStatus  string
	jobsLimit   int
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsAPI, "api", "", "API base URL (default server.api_base)")

	jobsStartCmd.Flags().StringArrayVarP(&jobsParams, "param", "p", nil, "Run parameter as key=value (repeatable)")
	jobsStartCmd.Flags().BoolVar(&jobsWait, "wait", false, "Wait for the run to finish")
	jobsStartCmd.Flags().DurationVar(&jobsTimeout, "timeout", 3*time.Hour, "How long --wait waits")

	jobsCancelAllCmd.Flags().StringVar(&jobsKind, "kind", "", "Only cancel runs of this kind")

	jobsLsCmd.Flags().StringVar(&jobsKind, "kind", "", "Filter by kind")
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (queued, running, done, error, canceled)")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of runs to show")

	JobsCmd.AddCommand(jobsStartCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsCancelAllCmd)
	JobsCmd.AddCommand(jobsLsCmd)
}

func apiClient() (*schedule.Client, error) {
	base := jobsAPI
	if base == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		base = cfg.Server.APIBase
	}
	return schedule.NewClient(base, 0, logger.ComponentLogger("client")), nil
}

// parseParams turns key=value pairs into run params. Values that parse as
// integers, floats or booleans keep that type.
func parseParams(pairs []string) (async.Params, error) {
	params := async.Params{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.NewInvalidRequestError("invalid param %q, want key=value", pair)
		}
		params[key] = paramValue(raw)
	}
	return params, nil
}

func paramValue(raw string) interface{} {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func parseRunID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidRequestError("invalid run id %q", raw)
	}
	return id, nil
}

func runJobsStart(cmd *cobra.Command, args []string) error {
	params, err := parseParams(jobsParams)
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}

	handle, err := client.Start(cmd.Context(), args[0], params)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Started %s run %d (total %d)", handle.Kind, handle.RunID, handle.Total)
	if !jobsWait {
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Waiting for run %d", handle.RunID))
	run, err := client.Wait(cmd.Context(), handle.RunID, jobsTimeout)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if run != nil {
		printRun(run)
	}
	if err != nil {
		return err
	}
	if run.Status != async.StatusDone {
		return errors.Newf("run %d finished %s", run.ID, run.Status)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	id, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	run, err := client.Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	printRun(run)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	id, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	status, err := client.Cancel(cmd.Context(), id)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Run %d is %s", id, status)
	return nil
}

func runJobsCancelAll(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	ids, err := client.CancelAll(cmd.Context(), jobsKind)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		pterm.Info.Println("Nothing to cancel")
		return nil
	}
	pterm.Success.Printfln("Canceled %d run(s): %v", len(ids), ids)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	if jobsStatus != "" && !async.IsValidStatus(jobsStatus) {
		return errors.NewInvalidRequestError("unknown status %q", jobsStatus)
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	runs, err := client.Runs(cmd.Context(), async.RunFilter{
		Kind:   jobsKind,
		Status: async.RunStatus(jobsStatus),
		Limit:  jobsLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs found")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(runTable(runs)).Render()
}

func runTable(runs []*async.Run) [][]string {
	rows := [][]string{{"ID", "KIND", "STATUS", "PROGRESS", "OK", "FAIL", "QUEUED", "NOTE"}}
	for _, r := range runs {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.Kind,
			string(r.Status),
			progress(r),
			strconv.Itoa(r.OK),
			strconv.Itoa(r.Fail),
			r.QueuedAt.Local().Format("2006-01-02 15:04"),
			truncate(r.Note, 40),
		})
	}
	return rows
}

func progress(r *async.Run) string {
	if r.Total <= 0 {
		return strconv.Itoa(r.Processed)
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", r.Processed, r.Total, r.Percentage())
}

func printRun(r *async.Run) {
	pterm.DefaultSection.Printfln("Run %d: %s", r.ID, r.Kind)
	rows := [][]string{
		{"Status", string(r.Status)},
		{"Progress", progress(r)},
		{"OK / Fail", fmt.Sprintf("%d / %d", r.OK, r.Fail)},
		{"Queued", r.QueuedAt.Local().Format(time.DateTime)},
	}
	if r.StartedAt != nil {
		rows = append(rows, []string{"Started", r.StartedAt.Local().Format(time.DateTime)})
	}
	if r.FinishedAt != nil {
		rows = append(rows, []string{"Finished", r.FinishedAt.Local().Format(time.DateTime)})
	}
	if r.Note != "" {
		rows = append(rows, []string{"Note", r.Note})
	}
	if r.ErrorText != "" {
		rows = append(rows, []string{"Error", r.ErrorText})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
