package commands

import (
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

// DbCmd groups database maintenance
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Migrate and inspect the database",
	Long: `Migrate and inspect the database selected by database.driver and
database.dsn.

Examples:
  scraperd db migrate     # Apply pending migrations
  scraperd db stats       # Product counts per site and recent runs`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show product counts per site and run totals",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	d, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	applied, err := db.Migrations(d)
	if err != nil {
		return err
	}
	rows := [][]string{{"VERSION", "FILE", "APPLIED"}}
	for _, m := range applied {
		rows = append(rows, []string{m.Version, m.File, strconv.FormatBool(m.Applied)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Success.Printfln("%s database is up to date", d.Dialect)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	d, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	store := catalog.NewStore(d)

	sites := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		sites = append(sites, name)
	}
	sort.Strings(sites)

	rows := [][]string{{"SITE", "PRODUCTS"}}
	for _, site := range sites {
		n, err := store.Count(ctx, site)
		if err != nil {
			return err
		}
		rows = append(rows, []string{site, strconv.FormatInt(n, 10)})
	}
	total, err := store.Count(ctx, "")
	if err != nil {
		return err
	}
	rows = append(rows, []string{"total", strconv.FormatInt(total, 10)})

	pterm.DefaultSection.Println("Products")
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	runs, err := async.NewStore(d).ListRuns(ctx, async.RunFilter{Limit: 10})
	if err != nil {
		return errors.Wrap(err, "failed to list runs")
	}
	pterm.DefaultSection.Println("Recent runs")
	if len(runs) == 0 {
		pterm.Info.Println("No runs recorded")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(runTable(runs)).Render()
}
