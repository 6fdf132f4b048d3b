package pipeline

import (
	"context"
	"fmt"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
	"github.com/4liaghaie/scraper-dashboard/sources"
)

// collected is what the URL stage of one source leaves for its detail stage
type collected struct {
	src       *sources.Source
	newURLs   []string
	knownURLs []string
}

func (p *Pipelines) runFresh(ctx context.Context, task *async.Task, params async.Params) error {
	return p.FreshRun(ctx, task, params)
}

// FreshRun collects every source, stores the URLs not seen before and
// enriches them.
//
// Sources are isolated: a source whose collection or enrichment fails
// records one failed item and an error event, and the run moves on.
// Params: enrich_known (also re-enrich URLs that were already stored) and
// the per-site tuning keys.
func (p *Pipelines) FreshRun(ctx context.Context, task pulse.Progress, params async.Params) error {
	log := logger.FromContext(ctx, p.logger).With(logger.FieldKind, KindFreshRun)
	enrichKnown := params.Bool("enrich_known", false)

	var stages []*collected
	for _, site := range p.sources.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, _ := p.sources.Get(site)
		src = src.Tuned(tuning(params, site))

		c, err := p.collectNew(ctx, task, src)
		if err != nil {
			if canceled(ctx, err) {
				return ctx.Err()
			}
			if terr := p.sourceFailed(ctx, task, site, pulse.StageURLs, err); terr != nil {
				return terr
			}
			continue
		}
		stages = append(stages, c)
	}

	total := 0
	for _, c := range stages {
		total += len(c.newURLs)
	}
	if total > 0 {
		if err := task.MarkRunning(ctx, total); err != nil {
			return err
		}
	}
	log.Infow("Collection complete", logger.FieldTotal, total, "sources", len(stages))

	for _, c := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		targets := c.newURLs
		if enrichKnown {
			targets = append(append([]string{}, c.newURLs...), c.knownURLs...)
		}
		if len(targets) == 0 {
			continue
		}
		if err := p.enrichSource(ctx, task, c.src, targets); err != nil {
			if canceled(ctx, err) {
				return ctx.Err()
			}
			if terr := p.sourceFailed(ctx, task, c.src.Name, pulse.StageDetails, err); terr != nil {
				return terr
			}
		}
	}
	return nil
}

// collectNew runs a source's collector and persists the items not stored yet
func (p *Pipelines) collectNew(ctx context.Context, task pulse.Progress, src *sources.Source) (c *collected, err error) {
	partID, err := task.StartPart(ctx, src.Name, pulse.StageURLs, 0)
	if err != nil {
		return nil, err
	}
	note := ""
	defer func() { finishPart(ctx, task, partID, err, note) }()

	items, err := src.Collector.Collect(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "collect %s", src.Name)
	}
	items = catalog.MergeItems(items)

	existing, err := p.store.ExistingURLs(ctx, catalog.URLs(items))
	if err != nil {
		return nil, err
	}

	c = &collected{src: src}
	var fresh []catalog.Item
	for _, it := range items {
		if existing[it.URL] {
			c.knownURLs = append(c.knownURLs, it.URL)
			continue
		}
		fresh = append(fresh, it)
		c.newURLs = append(c.newURLs, it.URL)
	}

	if len(fresh) > 0 {
		if _, err := p.persister.UpsertItems(ctx, src.Name, fresh); err != nil {
			return nil, errors.Wrapf(err, "persist %s urls", src.Name)
		}
	}

	note = fmt.Sprintf("%d new, %d known", len(c.newURLs), len(c.knownURLs))
	if err := task.Tick(ctx, true, 1, fmt.Sprintf("collected %s urls", src.Name), map[string]interface{}{
		"site":  src.Name,
		"stage": pulse.StageURLs,
		"new":   len(c.newURLs),
		"known": len(c.knownURLs),
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// enrichSource runs the detail stage of one source under its own part
func (p *Pipelines) enrichSource(ctx context.Context, task pulse.Progress, src *sources.Source, targets []string) (err error) {
	partID, err := task.StartPart(ctx, src.Name, pulse.StageDetails, len(targets))
	if err != nil {
		return err
	}
	note := ""
	defer func() { finishPart(ctx, task, partID, err, note) }()

	if err := task.Log(ctx, pulse.LevelInfo, fmt.Sprintf("collecting %s details", src.Name), map[string]interface{}{
		"site":    src.Name,
		"stage":   pulse.StageDetails,
		"targets": len(targets),
	}); err != nil {
		return err
	}

	res, err := p.enrich(ctx, task, src, targets)
	if err != nil {
		return err
	}
	note = fmt.Sprintf("%d enriched, %d failed", len(res.details), res.diag.Failed)
	return nil
}
