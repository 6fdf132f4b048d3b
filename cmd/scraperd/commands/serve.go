package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/schedule"
	"github.com/4liaghaie/scraper-dashboard/server"
)

// ServeCmd starts the run API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the run API",
	Long: `Start the HTTP run API on server.host:server.port.

When scheduler.enabled is set the daily pipeline scheduler runs in the same
process and calls the API at server.api_base.`,
	RunE: runServe,
}

var serveNoScheduler bool

func init() {
	ServeCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Do not start the embedded scheduler even when enabled")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sched *scheduler
	if cfg.Scheduler.Enabled && !serveNoScheduler {
		sched, err = buildScheduler(ctx, cfg, schedule.NewExecutionStore(a.db), logger.ComponentLogger("scheduler"))
		if err != nil {
			_ = a.close(ctx)
			return errors.Wrap(err, "failed to build scheduler")
		}
	}

	deps := server.Deps{
		Engine:  a.engine,
		Catalog: a.catalog,
		DB:      a.db,
		Config:  cfg.Server,
		Logger:  logger.ComponentLogger("http"),
	}
	if sched != nil {
		deps.Scheduler = sched.pipeline
	}
	srv := server.New(deps)

	printStartupBanner(cfg, a.registry.Names(), sched != nil)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()
	if sched != nil {
		sched.ticker.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdown := func() error {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer done()

		// the ticker's pass talks to the API, stop it while the API still answers
		if sched != nil {
			sched.ticker.Stop()
		}
		err := srv.Shutdown(shutdownCtx)
		if sched != nil {
			sched.pipeline.Wait()
			sched.close()
		}
		if cerr := a.close(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}

	select {
	case err := <-errChan:
		_ = shutdown()
		if err != nil {
			return errors.Wrap(err, "server stopped")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- shutdown()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
