package sources

import (
	"net/http"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/internal/httpclient"
)

func defaultConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestBuildWithClientFromDefaults(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Sources["deals-hub"] = am.SourceConfig{BaseURL: "https://deals.test"}
	cfg.Sources["alpha"] = am.SourceConfig{BaseURL: "https://alpha.test", DetailBatch: 7}

	set, err := BuildWithClient(cfg, httpclient.Wrap(http.DefaultClient), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{am.SourceRebaid, am.SourceRebatekey, am.SourceMyvipon, "alpha", "deals-hub"}, set.Names())

	rk, ok := set.Get(am.SourceRebatekey)
	require.True(t, ok)
	assert.Equal(t, 25, rk.DetailBatch())
	assert.Equal(t, 12, rk.Details.Worker.Concurrency)
	assert.Equal(t, 2, rk.Details.Worker.Retries)
	assert.Equal(t, 20*time.Second, rk.Details.Worker.Timeout)
	assert.Nil(t, rk.Details.Worker.Renderer, "no render command configured")

	listing, ok := rk.Collector.(*ListingCollector)
	require.True(t, ok)
	assert.Equal(t, 1, listing.Worker.Concurrency)

	hub, _ := set.Get("deals-hub")
	assert.Equal(t, 20, hub.DetailBatch())
	alpha, _ := set.Get("alpha")
	assert.Equal(t, 7, alpha.DetailBatch())

	_, ok = set.Get("nowhere")
	assert.False(t, ok)

	require.NotNil(t, set.Stores)
	assert.Equal(t, 12*time.Second, set.Stores.Worker.Timeout)
}

func TestSourceTunedLeavesSharedSourceAlone(t *testing.T) {
	cfg := defaultConfig(t)
	set, err := BuildWithClient(cfg, httpclient.Wrap(http.DefaultClient), nil)
	require.NoError(t, err)
	src, _ := set.Get(am.SourceRebaid)

	pages := 3
	tuned := src.Tuned(Tuning{MaxPages: &pages, ListingTimeout: 30 * time.Second, DetailTimeout: time.Second, Concurrency: 2, Retries: 5})

	tl := tuned.Collector.(*ListingCollector)
	assert.Equal(t, 3, tl.Config.MaxPages)
	assert.Equal(t, 30*time.Second, tl.Worker.Timeout)
	assert.Equal(t, time.Second, tuned.Details.Worker.Timeout)
	assert.Equal(t, 2, tuned.Details.Worker.Concurrency)
	assert.Equal(t, 5, tuned.Details.Worker.Retries)

	ol := src.Collector.(*ListingCollector)
	assert.Equal(t, 0, ol.Config.MaxPages)
	assert.Equal(t, 12*time.Second, ol.Worker.Timeout)
	assert.Equal(t, 8, src.Details.Worker.Concurrency)
	assert.Equal(t, 3, src.Details.Worker.Retries)
}

func TestBuildWithClientRenderCommand(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Fetch.RenderCommand = "chromium --headless=new --dump-dom {url}"

	set, err := BuildWithClient(cfg, httpclient.Wrap(http.DefaultClient), nil)
	require.NoError(t, err)
	src, _ := set.Get(am.SourceRebaid)
	assert.NotNil(t, src.Details.Worker.Renderer)
	assert.NotNil(t, set.Stores.Worker.Renderer)

	cfg.Fetch.RenderCommand = `chromium "unterminated`
	_, err = BuildWithClient(cfg, httpclient.Wrap(http.DefaultClient), nil)
	assert.Error(t, err)
}
