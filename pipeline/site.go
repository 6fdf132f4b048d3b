package pipeline

import (
	"context"
	"fmt"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

// defaultDetailLimit caps a <site>_details run without a limit param
const defaultDetailLimit = 1000

// runURLs collects one source and upserts everything it lists, refreshing
// last_seen_at of URLs already stored
func (p *Pipelines) runURLs(ctx context.Context, task *async.Task, site string, params async.Params) (err error) {
	src, err := p.source(site)
	if err != nil {
		return err
	}
	src = src.Tuned(tuning(params, site))

	partID, err := task.StartPart(ctx, site, pulse.StageURLs, 0)
	if err != nil {
		return err
	}
	note := ""
	defer func() { finishPart(ctx, task, partID, err, note) }()

	items, err := src.Collector.Collect(ctx)
	if err != nil {
		return errors.Wrapf(err, "collect %s", site)
	}
	items = catalog.MergeItems(items)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := task.MarkRunning(ctx, len(items)); err != nil {
		return err
	}
	if len(items) == 0 {
		note = "nothing listed"
		return task.Log(ctx, pulse.LevelWarn, fmt.Sprintf("%s listed no urls", site), map[string]interface{}{
			"site":  site,
			"stage": pulse.StageURLs,
		})
	}

	affected, err := p.persister.UpsertItems(ctx, site, items)
	if err != nil {
		return errors.Wrapf(err, "persist %s urls", site)
	}
	logger.FromContext(ctx, p.logger).Infow("URLs persisted",
		logger.FieldSite, site,
		logger.FieldCount, len(items),
		logger.FieldAffected, affected)

	note = fmt.Sprintf("%d urls", len(items))
	return task.Tick(ctx, true, len(items), fmt.Sprintf("collected %s urls", site), map[string]interface{}{
		"site":  site,
		"stage": pulse.StageURLs,
		"count": len(items),
	})
}

type detailParams struct {
	missingOnly bool
	limit       int
}

func readDetailParams(params async.Params) detailParams {
	return detailParams{
		missingOnly: params.Bool("missing_only", false),
		limit:       params.Int("limit", defaultDetailLimit),
	}
}

func (p *Pipelines) prepareDetails(ctx context.Context, site string, params async.Params) (int, error) {
	if _, err := p.source(site); err != nil {
		return 0, err
	}
	dp := readDetailParams(params)
	targets, err := p.store.DetailTargets(ctx, site, dp.missingOnly, dp.limit)
	if err != nil {
		return 0, err
	}
	return len(targets), nil
}

// runDetails re-enriches stored products of one source. Params:
// missing_only, limit and timeout_ms (per page).
func (p *Pipelines) runDetails(ctx context.Context, task *async.Task, site string, params async.Params) (err error) {
	src, err := p.source(site)
	if err != nil {
		return err
	}
	t := tuning(params, site)
	if d := params.Millis("timeout_ms", 0); d > 0 {
		t.DetailTimeout = d
	}
	src = src.Tuned(t)

	dp := readDetailParams(params)
	targets, err := p.store.DetailTargets(ctx, site, dp.missingOnly, dp.limit)
	if err != nil {
		return err
	}
	if err := task.MarkRunning(ctx, len(targets)); err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	return p.enrichSource(ctx, task, src, targets)
}
