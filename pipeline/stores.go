package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/fetch"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

// amazon_stores defaults
const (
	storeBatch          = 25
	defaultStoreLimit   = 500
	defaultStoreTimeout = 12 * time.Second
)

// storePartSite names the part of a store pass that spans every site
const storePartSite = "all"

type storeParams struct {
	site        string
	missingOnly bool
	limit       int
}

func readStoreParams(params async.Params) storeParams {
	return storeParams{
		site:        params.String("site", ""),
		missingOnly: params.Bool("missing_only", true),
		limit:       params.Int("limit", defaultStoreLimit),
	}
}

func (p *Pipelines) prepareStores(ctx context.Context, params async.Params) (int, error) {
	sp := readStoreParams(params)
	if sp.site != "" {
		if _, err := p.source(sp.site); err != nil {
			return 0, err
		}
	}
	targets, err := p.store.StoreTargets(ctx, sp.site, sp.missingOnly, sp.limit)
	if err != nil {
		return 0, err
	}
	return len(targets), nil
}

func (p *Pipelines) runStores(ctx context.Context, task *async.Task, params async.Params) error {
	return p.AmazonStores(ctx, task, params)
}

// AmazonStores resolves the marketplace storefront of stored products that
// link to the marketplace. Products sharing a marketplace URL are fetched
// once per batch. Params: site, missing_only (default true), limit (500)
// and timeout_ms (12000).
func (p *Pipelines) AmazonStores(ctx context.Context, task pulse.Progress, params async.Params) (err error) {
	if p.sources.Stores == nil {
		return errors.New("storefront lookup is not configured")
	}
	sp := readStoreParams(params)
	partSite := sp.site
	if partSite == "" {
		partSite = storePartSite
	}
	log := logger.FromContext(ctx, p.logger).With(logger.FieldKind, KindAmazonStores, logger.FieldSite, partSite)

	targets, err := p.store.StoreTargets(ctx, sp.site, sp.missingOnly, sp.limit)
	if err != nil {
		return err
	}
	if err := task.MarkRunning(ctx, len(targets)); err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	partID, err := task.StartPart(ctx, partSite, pulse.StageStores, len(targets))
	if err != nil {
		return err
	}
	note := ""
	defer func() { finishPart(ctx, task, partID, err, note) }()

	w := *p.sources.Stores.Worker
	w.Timeout = params.Millis("timeout_ms", defaultStoreTimeout)
	w.Escalate = true
	lookup := *p.sources.Stores
	lookup.Worker = &w

	var diag fetch.Diagnostics
	resolved := 0
	for i := 0; i < len(targets); i += storeBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := targets[i:min(i+storeBatch, len(targets))]

		// product URLs per marketplace URL, marketplace URLs in first-seen order
		products := make(map[string][]string, len(chunk))
		var amazonURLs []string
		for _, pair := range chunk {
			if _, ok := products[pair[1]]; !ok {
				amazonURLs = append(amazonURLs, pair[1])
			}
			products[pair[1]] = append(products[pair[1]], pair[0])
		}

		batch := lookup.Lookup(ctx, amazonURLs)
		if err := ctx.Err(); err != nil {
			return err
		}
		diag.Add(batch.Diagnostics)

		var stores []catalog.StoreFields
		okProducts, failedProducts := 0, 0
		for _, r := range batch.Results {
			n := len(products[r.Target])
			if r.State == fetch.StateFailed {
				failedProducts += n
				continue
			}
			okProducts += n
			if r.State != fetch.StateOK {
				continue
			}
			for _, productURL := range products[r.Target] {
				stores = append(stores, catalog.StoreFields{
					URL:      productURL,
					Name:     r.Payload.Name,
					StoreURL: r.Payload.StoreURL,
				})
			}
		}

		if len(stores) > 0 {
			if _, err := p.persister.UpsertStoreFields(ctx, stores); err != nil {
				return errors.Wrap(err, "persist store fields")
			}
			resolved += len(stores)
		}

		batchEnd := i + len(chunk)
		meta := map[string]interface{}{
			"site":           partSite,
			"stage":          pulse.StageStores,
			"last_batch_end": batchEnd,
		}
		if okProducts > 0 {
			if err := task.Tick(ctx, true, okProducts, "", meta); err != nil {
				return err
			}
		}
		if failedProducts > 0 {
			if err := task.Tick(ctx, false, failedProducts, fmt.Sprintf("%d storefront pages failed", failedProducts), meta); err != nil {
				return err
			}
		}
		log.Debugw("Store batch done", "last_batch_end", batchEnd, "resolved", len(stores))
	}

	meta := diag.Meta()
	meta["site"] = partSite
	meta["stage"] = pulse.StageStores
	level := pulse.LevelInfo
	if diag.Failed > 0 || diag.AntibotHits > 0 {
		level = pulse.LevelWarn
	}
	if err := task.Log(ctx, level, "storefront diagnostics", meta); err != nil {
		return err
	}
	note = fmt.Sprintf("%d resolved of %d", resolved, len(targets))
	log.Infow("Storefront pass complete", logger.FieldTotal, len(targets), "resolved", resolved)
	return nil
}
