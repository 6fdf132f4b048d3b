// Package pipeline composes sources, the fetch worker and the catalog
// persister into the run kinds the engine executes.
//
// Kinds registered by Register:
//
//	full_fresh_run     collect every source, keep new URLs, enrich them
//	<site>_urls        collect one source and refresh every URL it lists
//	<site>_details     re-enrich stored products of one source
//	amazon_stores      resolve marketplace storefronts of stored products
//
// Run bodies report through pulse.Progress and return ctx.Err() once the run
// is cancelled; the engine turns that into the canceled status.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/fetch"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
	"github.com/4liaghaie/scraper-dashboard/sources"
)

// Kind names
const (
	KindFreshRun     = "full_fresh_run"
	KindAmazonStores = "amazon_stores"
)

// URLsKind is the collection kind of a site
func URLsKind(site string) string { return site + "_urls" }

// DetailsKind is the enrichment kind of a site
func DetailsKind(site string) string { return site + "_details" }

// Pipelines holds what run bodies need
type Pipelines struct {
	sources   *sources.Set
	store     *catalog.Store
	persister *catalog.Persister
	logger    *zap.SugaredLogger
}

// New creates the pipelines over a source set and the catalog
func New(set *sources.Set, store *catalog.Store, persister *catalog.Persister, log *zap.SugaredLogger) *Pipelines {
	return &Pipelines{
		sources:   set,
		store:     store,
		persister: persister,
		logger:    logger.Nop(log),
	}
}

// Register adds every kind to the registry
func (p *Pipelines) Register(r *async.Registry) {
	r.Register(async.KindFunc{KindName: KindFreshRun, RunFunc: p.runFresh})
	r.Register(async.KindFunc{
		KindName:    KindAmazonStores,
		PrepareFunc: p.prepareStores,
		RunFunc:     p.runStores,
	})
	for _, name := range p.sources.Names() {
		site := name
		r.Register(async.KindFunc{
			KindName: URLsKind(site),
			RunFunc: func(ctx context.Context, task *async.Task, params async.Params) error {
				return p.runURLs(ctx, task, site, params)
			},
		})
		r.Register(async.KindFunc{
			KindName: DetailsKind(site),
			PrepareFunc: func(ctx context.Context, params async.Params) (int, error) {
				return p.prepareDetails(ctx, site, params)
			},
			RunFunc: func(ctx context.Context, task *async.Task, params async.Params) error {
				return p.runDetails(ctx, task, site, params)
			},
		})
	}
}

// tuning reads per-site overrides from run params. Both the
// "<site>_timeout_ms" (listing pages) and "<site>_detail_timeout_ms" forms
// are accepted, as are timeouts in whole seconds ("<site>_timeout") and
// "<site>_workers" for the detail concurrency.
func tuning(params async.Params, site string) sources.Tuning {
	var t sources.Tuning
	if _, ok := params[site+"_max_pages"]; ok {
		n := params.Int(site+"_max_pages", 0)
		t.MaxPages = &n
	}
	t.ListingTimeout = params.Millis(site+"_timeout_ms", 0)
	t.DetailTimeout = params.Millis(site+"_detail_timeout_ms", 0)
	if secs := params.Int(site+"_timeout", 0); secs > 0 && t.DetailTimeout == 0 {
		t.DetailTimeout = time.Duration(secs) * time.Second
	}
	t.Concurrency = params.Int(site+"_concurrency", params.Int(site+"_workers", 0))
	t.Retries = params.Int(site+"_retries", 0)
	return t
}

func (p *Pipelines) source(site string) (*sources.Source, error) {
	src, ok := p.sources.Get(site)
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown site %q", site)
	}
	return src, nil
}

// enrichment is the outcome of running detail pages through a source
type enrichment struct {
	details []catalog.Detail
	diag    fetch.Diagnostics
}

// enrich fetches targets in sub-batches and ticks each one. Details of ok
// pages are merged and persisted once all sub-batches are done. The part is
// finished by the caller.
func (p *Pipelines) enrich(ctx context.Context, task pulse.Progress, src *sources.Source, targets []string) (*enrichment, error) {
	log := logger.FromContext(ctx, p.logger).With(logger.FieldSite, src.Name, logger.FieldStage, pulse.StageDetails)
	size := src.DetailBatch()
	out := &enrichment{}

	for i := 0; i < len(targets); i += size {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		chunk := targets[i:min(i+size, len(targets))]
		batch := src.Details.Enrich(ctx, chunk)
		if err := ctx.Err(); err != nil {
			return out, err
		}

		d := batch.Diagnostics
		out.diag.Add(d)
		out.details = append(out.details, batch.Payloads()...)

		if ok := d.OK + d.Empty; ok > 0 {
			if err := task.Tick(ctx, true, ok, "", map[string]interface{}{
				"site":      src.Name,
				"stage":     pulse.StageDetails,
				"batch_end": i + len(chunk),
			}); err != nil {
				return out, err
			}
		}
		if d.Failed > 0 {
			var failed []string
			for _, r := range batch.Results {
				if r.State == fetch.StateFailed {
					failed = append(failed, r.Target)
				}
			}
			if err := task.Tick(ctx, false, d.Failed, fmt.Sprintf("%d %s detail pages failed", d.Failed, src.Name), map[string]interface{}{
				"site":  src.Name,
				"stage": pulse.StageDetails,
				"urls":  failed,
			}); err != nil {
				return out, err
			}
		}
		log.Debugw("Detail batch done",
			logger.FieldBatchSize, len(chunk),
			"ok", d.OK, "empty", d.Empty, "failed", d.Failed)
	}

	out.details = catalog.MergeDetails(out.details)
	if len(out.details) > 0 {
		affected, err := p.persister.UpsertDetails(ctx, src.Name, out.details)
		if err != nil {
			return out, errors.Wrapf(err, "persist %s details", src.Name)
		}
		log.Infow("Details persisted", logger.FieldCount, len(out.details), logger.FieldAffected, affected)
	}

	level := pulse.LevelInfo
	if out.diag.Failed > 0 || out.diag.AntibotHits > 0 {
		level = pulse.LevelWarn
	}
	meta := out.diag.Meta()
	meta["site"] = src.Name
	meta["stage"] = pulse.StageDetails
	if err := task.Log(ctx, level, fmt.Sprintf("%s detail diagnostics", src.Name), meta); err != nil {
		return out, err
	}
	return out, nil
}

// finishPart writes a part's terminal status even after cancellation
func finishPart(ctx context.Context, task pulse.Progress, partID int64, err error, note string) {
	status := async.StatusDone
	switch {
	case err == nil:
	case errors.IsCanceled(err) || ctx.Err() != nil:
		status, note = async.StatusCanceled, "canceled"
	default:
		status, note = async.StatusError, err.Error()
	}
	_ = task.FinishPart(context.WithoutCancel(ctx), partID, string(status), note)
}

// sourceFailed isolates a failed source: one failed item and an error event
// naming the site
func (p *Pipelines) sourceFailed(ctx context.Context, task pulse.Progress, site, stage string, err error) error {
	logger.FromContext(ctx, p.logger).Warnw("Source failed",
		logger.FieldSite, site,
		logger.FieldStage, stage,
		logger.FieldError, err)
	return task.Tick(ctx, false, 1, fmt.Sprintf("%s %s failed: %v", site, stage, err), map[string]interface{}{
		"site":  site,
		"stage": stage,
		"error": err.Error(),
	})
}

// canceled reports whether err ends the whole run rather than one source
func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.IsCanceled(err)
}
