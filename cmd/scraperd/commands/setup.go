package commands

import (
	"github.com/spf13/cobra"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

// Global flags, bound by the root command
var (
	ConfigPath string
	JSONLogs   bool
)

// quietCommands print machine-readable output and skip logger setup
var quietCommands = map[string]bool{
	"show":    true,
	"version": true,
}

// Setup resolves configuration and initializes the global logger before any
// command runs. Flags win over the log section of the config.
func Setup(cmd *cobra.Command) error {
	if ConfigPath != "" {
		if err := am.UseConfigFile(ConfigPath); err != nil {
			return err
		}
	}
	if quietCommands[cmd.Name()] {
		return nil
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	verbosity := cfg.Log.Verbosity
	if cmd.Flags().Changed("verbose") {
		verbosity, _ = cmd.Flags().GetCount("verbose")
	}
	if err := logger.Initialize(JSONLogs || cfg.Log.JSON, verbosity); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

// loadValidConfig returns the configuration after validating it
func loadValidConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid configuration"),
			"run 'scraperd am validate' for the full report")
	}
	return cfg, nil
}
