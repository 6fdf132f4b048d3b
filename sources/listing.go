// Package sources turns catalog sites into pipeline stages: listing
// collectors that yield product links, detail enrichers that read product
// pages and the marketplace storefront lookup.
//
// Sites are described by configuration (listing URLs, link rules,
// pagination) rather than per-site parsers.
package sources

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/fetch"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

// Collector yields the product links currently listed by a site
type Collector interface {
	Collect(ctx context.Context) ([]catalog.Item, error)
}

// CollectorFunc adapts a function to Collector
type CollectorFunc func(ctx context.Context) ([]catalog.Item, error)

func (f CollectorFunc) Collect(ctx context.Context) ([]catalog.Item, error) {
	return f(ctx)
}

// pageCap stops pagination of a listing without max_pages
const pageCap = 500

// ListingCollector pages through configured listings and keeps links
// matching the link rules
type ListingCollector struct {
	Site   string
	Config am.SourceConfig
	Worker *fetch.Worker
	Logger *zap.SugaredLogger

	// sleep between pages; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewListingCollector creates a collector
func NewListingCollector(site string, cfg am.SourceConfig, w *fetch.Worker, log *zap.SugaredLogger) *ListingCollector {
	return &ListingCollector{Site: site, Config: cfg, Worker: w, Logger: logger.Nop(log), sleep: sleepCtx}
}

// Collect walks every listing. A listing whose first page cannot be fetched
// fails the collection; a later page failing ends that listing's pagination.
func (c *ListingCollector) Collect(ctx context.Context) ([]catalog.Item, error) {
	var items []catalog.Item
	for _, listing := range c.Config.Listings {
		got, err := c.collectListing(ctx, listing)
		if err != nil {
			return nil, errors.WithDetailf(err, "Site: %s, Listing: %s", c.Site, listing.Name)
		}
		items = append(items, got...)
	}
	return catalog.MergeItems(items), nil
}

func (c *ListingCollector) collectListing(ctx context.Context, listing am.ListingConfig) ([]catalog.Item, error) {
	seen := make(map[string]bool)
	var items []catalog.Item

	maxPages := 1
	if c.Config.PageParam != "" {
		maxPages = c.Config.MaxPages
		if maxPages <= 0 {
			maxPages = pageCap
		}
	}

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link, err := pageURL(listing.URL, c.Config.PageParam, page)
		if err != nil {
			return nil, err
		}

		// a clean page without links past the first one is the end of the
		// listing, not something to render
		first := page == 1
		extract := func(target string, resp *fetch.Response) ([]catalog.Item, bool) {
			found := c.extractLinks(target, resp, listing)
			return found, len(found) > 0 || !first
		}
		batch := fetch.Run(ctx, c.Worker, []string{link}, extract)
		res := batch.Results[0]

		if res.State == fetch.StateFailed {
			if res.Class == fetch.ClassCanceled {
				return nil, context.Canceled
			}
			if page == 1 {
				return nil, errors.Newf("listing %s: %s after %d attempts", link, res.Class, res.Attempts)
			}
			c.Logger.Warnw("Listing page failed, stopping pagination",
				logger.FieldSite, c.Site, logger.FieldURL, link, "class", res.Class)
			break
		}

		added := 0
		for _, it := range res.Payload {
			if !seen[it.URL] {
				seen[it.URL] = true
				items = append(items, it)
				added++
			}
		}
		c.Logger.Debugw("Listing page collected",
			logger.FieldSite, c.Site, logger.FieldURL, link, "added", added)
		if added == 0 {
			break
		}

		if page < maxPages {
			if err := c.sleep(ctx, c.delay()); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

func (c *ListingCollector) delay() time.Duration {
	lo, hi := c.Config.DelayMinMS, c.Config.DelayMaxMS
	if hi <= 0 {
		return 0
	}
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+rand.IntN(hi-lo+1)) * time.Millisecond
}

// extractLinks returns product links on a listing page in document order
func (c *ListingCollector) extractLinks(target string, resp *fetch.Response, listing am.ListingConfig) []catalog.Item {
	base := resp.FinalURL
	if base == "" {
		base = target
	}
	doc, err := parseDocument(resp.Body, base)
	if err != nil {
		return nil
	}
	host := doc.base.Hostname()

	var items []catalog.Item
	for _, a := range doc.findAll(byAtom(atom.A)) {
		href := doc.resolve(attr(a, "href"))
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil || !sameSite(u.Hostname(), host) {
			continue
		}
		ptype, ok := matchRule(c.Config.LinkRules, u.Path)
		if !ok {
			continue
		}
		if ptype == "" {
			ptype = listing.Type
		}
		items = append(items, catalog.Item{
			URL:      catalog.NormalizeURL(href),
			Type:     ptype,
			Category: listing.Category,
			Title:    anchorTitle(a),
			Price:    cardPrice(a),
		})
	}
	return catalog.MergeItems(items)
}

// matchRule returns the type of the first rule contained in path
func matchRule(rules []am.LinkRule, path string) (string, bool) {
	for _, r := range rules {
		if r.Contains != "" && strings.Contains(path, r.Contains) {
			return r.Type, true
		}
	}
	return "", false
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}

func anchorTitle(a *html.Node) string {
	if t := cleanText(attr(a, "title")); t != "" {
		return t
	}
	if t := text(a); t != "" {
		return t
	}
	if img := findIn(a, byAtom(atom.Img)); img != nil {
		return cleanText(attr(img, "alt"))
	}
	return ""
}

// cardPrice looks for a price in the product card around a link
func cardPrice(a *html.Node) *float64 {
	n := a
	for depth := 0; depth < 3 && n != nil; depth++ {
		if m := pricePattern.FindString(text(n)); m != "" {
			return catalog.ParsePrice(m)
		}
		n = n.Parent
	}
	return nil
}

// pageURL sets the page parameter for pages after the first
func pageURL(listingURL, param string, page int) (string, error) {
	if page <= 1 || param == "" {
		return listingURL, nil
	}
	u, err := url.Parse(listingURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid listing url %q", listingURL)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
