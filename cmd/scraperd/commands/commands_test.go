package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
	"github.com/4liaghaie/scraper-dashboard/pulse/schedule"
)

// ============================================================================
// Switchboard Test Universe
// ============================================================================
//
// Characters:
//   - Operator: The CLI, patching each command through to the right wiring
//   - Caller: Whoever typed the flags, sometimes carelessly
//
// Theme: what the caller types reaches the run API in the shape it expects.
// ============================================================================

func defaultConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "scraperd.db")
	return cfg
}

func TestOperatorParsesParams(t *testing.T) {
	params, err := parseParams([]string{
		"limit=500",
		"missing_only=true",
		"ratio=0.5",
		"site=rebaid",
		"note=a=b",
		" spaced =x",
	})
	require.NoError(t, err)
	assert.Equal(t, async.Params{
		"limit":        int64(500),
		"missing_only": true,
		"ratio":        0.5,
		"site":         "rebaid",
		"note":         "a=b",
		"spaced":       "x",
	}, params)

	// typed values read back through Params accessors
	assert.Equal(t, 500, params.Int("limit", 0))
	assert.True(t, params.Bool("missing_only", false))
}

func TestOperatorRejectsCarelessParams(t *testing.T) {
	for _, bad := range []string{"limit", "=5", ""} {
		_, err := parseParams([]string{bad})
		assert.True(t, errors.IsInvalidRequestError(err), bad)
	}
}

func TestParseRunID(t *testing.T) {
	id, err := parseRunID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"0", "-1", "abc"} {
		_, err := parseRunID(bad)
		assert.Error(t, err, bad)
	}
}

func TestRenderConfigFormats(t *testing.T) {
	cfg := defaultConfig(t)

	data, err := renderConfig(cfg, "toml")
	require.NoError(t, err)
	var fromTOML am.Config
	require.NoError(t, toml.Unmarshal(data, &fromTOML))
	assert.Equal(t, cfg.Scheduler.Cron, fromTOML.Scheduler.Cron)
	assert.Equal(t, cfg.Server.Port, fromTOML.Server.Port)

	data, err = renderConfig(cfg, "yaml")
	require.NoError(t, err)
	var fromYAML am.Config
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, cfg.Fetch.Concurrency, fromYAML.Fetch.Concurrency)

	data, err = renderConfig(cfg, "json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Scheduler")

	_, err = renderConfig(cfg, "xml")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRunTable(t *testing.T) {
	queued := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	rows := runTable([]*async.Run{
		{ID: 7, Kind: "amazon_stores", Status: async.StatusRunning, Total: 4, Processed: 1, OK: 1, QueuedAt: queued},
		{ID: 8, Kind: "full_fresh_run", Status: async.StatusDone, Processed: 12, OK: 10, Fail: 2, QueuedAt: queued,
			Note: "a note long enough that it has to be cut short somewhere"},
	})
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, []string{"7", "amazon_stores", "running", "1/4 (25%)", "1", "0"}, rows[1][:6])
	assert.Equal(t, "12", rows[2][3])
	assert.Len(t, rows[2][7], 40)
}

func TestStepSummary(t *testing.T) {
	assert.Equal(t, "full_fresh_run=done amazon_stores=timeout", stepSummary([]schedule.StepRun{
		{Kind: "full_fresh_run", Status: "done"},
		{Kind: "amazon_stores", Status: schedule.StepTimeout},
	}))
	assert.Equal(t, "", stepSummary(nil))
	assert.Equal(t, "abcdefgh", shortID("abcdefgh-1234"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestOperatorWiresTheApp(t *testing.T) {
	cfg := defaultConfig(t)

	a, err := buildApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.close(ctx)
	})

	names := a.registry.Names()
	assert.Contains(t, names, "full_fresh_run")
	assert.Contains(t, names, "amazon_stores")
	assert.Contains(t, names, "rebaid_urls")
	assert.Contains(t, names, "rebaid_details")
}

func TestOperatorPicksTheLock(t *testing.T) {
	s := &scheduler{}
	lock, err := buildLock(context.Background(), am.SchedulerConfig{Lock: "local"}, s)
	require.NoError(t, err)
	assert.IsType(t, &schedule.LocalLock{}, lock)
	assert.Empty(t, s.closers)

	// nothing listens on port 1
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = buildLock(ctx, am.SchedulerConfig{Lock: "redis", RedisAddr: "127.0.0.1:1"}, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestOperatorBuildsScheduler(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Scheduler.Lock = "local"
	cfg.Scheduler.Cron = "0 3 * * *"
	cfg.Scheduler.Timezone = "Europe/Berlin"

	s, err := buildScheduler(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer s.stop()

	assert.NotNil(t, s.pipeline)
	assert.NotNil(t, s.ticker)

	cfg.Scheduler.Cron = "not a cron"
	_, err = buildScheduler(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestShutdownTimeout(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Engine.ShutdownTimeoutSeconds = 0
	assert.Equal(t, defaultShutdownTimeout, shutdownTimeout(cfg))
	cfg.Engine.ShutdownTimeoutSeconds = 5
	assert.Equal(t, 5*time.Second, shutdownTimeout(cfg))
}

func TestOperatorWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "scraperd.toml")
	require.NoError(t, runAmInit(amInitCmd, []string{path}))

	cfg, err := am.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 22 * * *", cfg.Scheduler.Cron)
	assert.Contains(t, cfg.Sources, "rebaid")
}
