package main

import (
	"fmt"
	"os"
	_ "time/tzdata" // scheduler.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/cobra"

	"github.com/4liaghaie/scraper-dashboard/cmd/scraperd/commands"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

var rootCmd = &cobra.Command{
	Use:   "scraperd",
	Short: "scraperd - catalog scrape job orchestration",
	Long: `scraperd - catalog scrape job orchestration.

Runs scrape pipelines as tracked jobs, serves their progress over HTTP,
and fires the daily pipeline on a cron schedule.

Available commands:
  serve      - Start the run API (and the embedded scheduler when enabled)
  scheduler  - Run the daily pipeline scheduler against a remote API
  jobs       - Start, inspect and cancel runs through the API
  db         - Migrate and inspect the database
  am         - Show and validate configuration

Examples:
  scraperd serve                      # Start the API on server.port
  scraperd jobs start full_fresh_run  # Start a run
  scraperd jobs ls --kind amazon_stores
  scraperd am show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Setup(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (replaces the config cascade; SCRAPERD_* env still applies)")
	rootCmd.PersistentFlags().BoolVar(&commands.JSONLogs, "json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v for debug)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SchedulerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
