package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/version"
)

// printStartupBanner prints what serve is about to run. Structured log
// output gets a log line instead.
func printStartupBanner(cfg *am.Config, kinds []string, scheduler bool) {
	info := version.Get()
	if logger.JSONOutput {
		logger.Infow("Starting scraperd",
			"version", info.Version,
			"commit", info.Short(),
			"driver", cfg.Database.Driver,
			"port", cfg.Server.Port,
			"kinds", kinds,
			"scheduler", scheduler)
		return
	}

	sched := "disabled"
	if scheduler {
		sched = fmt.Sprintf("%s (%s, lock %s)", cfg.Scheduler.Cron, cfg.Scheduler.Timezone, cfg.Scheduler.Lock)
	}

	rows := [][]string{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)},
		{"Database", cfg.Database.Driver},
		{"Kinds", strings.Join(kinds, ", ")},
		{"Scheduler", sched},
	}
	table, err := pterm.DefaultTable.WithData(rows).Srender()
	if err != nil {
		return
	}
	pterm.DefaultBox.WithTitle("scraperd").Println(table)
	pterm.Info.Println("Press Ctrl+C to stop")
}
