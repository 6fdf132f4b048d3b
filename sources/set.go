package sources

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/fetch"
	"github.com/4liaghaie/scraper-dashboard/internal/httpclient"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

// Source is one catalog site wired for the pipelines
type Source struct {
	Name      string
	Config    am.SourceConfig
	Collector Collector
	Details   *DetailEnricher
}

// DetailBatch is the enrichment sub-batch size
func (s *Source) DetailBatch() int {
	if s.Config.DetailBatch > 0 {
		return s.Config.DetailBatch
	}
	return 20
}

// Tuning holds per-run overrides of a source's fetch policy. Zero values
// keep the configured setting.
type Tuning struct {
	MaxPages       *int
	ListingTimeout time.Duration
	DetailTimeout  time.Duration
	Concurrency    int
	Retries        int
}

// Tuned returns a copy of the source with t applied. The receiver is shared
// between runs and is never modified.
func (s *Source) Tuned(t Tuning) *Source {
	out := *s
	if lc, ok := s.Collector.(*ListingCollector); ok {
		c := *lc
		if t.MaxPages != nil {
			c.Config.MaxPages = *t.MaxPages
		}
		if t.ListingTimeout > 0 && c.Worker != nil {
			w := *c.Worker
			w.Timeout = t.ListingTimeout
			c.Worker = &w
		}
		out.Collector = &c
	}
	if s.Details != nil && s.Details.Worker != nil {
		w := *s.Details.Worker
		if t.DetailTimeout > 0 {
			w.Timeout = t.DetailTimeout
		}
		if t.Concurrency > 0 {
			w.Concurrency = t.Concurrency
		}
		if t.Retries > 0 {
			w.Retries = t.Retries
		}
		out.Details = &DetailEnricher{Site: s.Details.Site, Worker: &w}
	}
	return &out
}

// Set holds the configured sources and the storefront lookup
type Set struct {
	sources map[string]*Source
	Stores  *StoreLookup
}

// NewSet wraps already built sources (tests build them by hand)
func NewSet(stores *StoreLookup, srcs ...*Source) *Set {
	s := &Set{sources: make(map[string]*Source, len(srcs)), Stores: stores}
	for _, src := range srcs {
		s.sources[src.Name] = src
	}
	return s
}

// Get returns a source by name
func (s *Set) Get(name string) (*Source, bool) {
	src, ok := s.sources[name]
	return src, ok
}

// Names lists sources: the three built-in sites in pipeline order, then any
// other configured site by name
func (s *Set) Names() []string {
	builtin := []string{am.SourceRebaid, am.SourceRebatekey, am.SourceMyvipon}
	names := make([]string, 0, len(s.sources))
	for _, n := range builtin {
		if _, ok := s.sources[n]; ok {
			names = append(names, n)
		}
	}
	var rest []string
	for n := range s.sources {
		if n != am.SourceRebaid && n != am.SourceRebatekey && n != am.SourceMyvipon {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Build wires every configured source onto one HTTP client. Renders, when a
// render command is configured, share one offload pool.
func Build(cfg *am.Config, log *zap.SugaredLogger) (*Set, error) {
	client := httpclient.New(httpclient.Options{
		MaxRedirects:   10,
		BlockPrivateIP: cfg.Fetch.BlockPrivateIPs,
	})
	return BuildWithClient(cfg, client, log)
}

// BuildWithClient is Build on a caller-provided client
func BuildWithClient(cfg *am.Config, client *httpclient.Client, log *zap.SugaredLogger) (*Set, error) {
	log = logger.Nop(log)
	fetcher := fetch.NewHTTPFetcher(client, fetch.HTTPOptions{
		UserAgent:         cfg.Fetch.UserAgent,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		Burst:             cfg.Fetch.Burst,
	})

	var renderer fetch.Renderer
	if cfg.Fetch.RenderCommand != "" {
		cmd, err := fetch.NewCommandRenderer(cfg.Fetch.RenderCommand)
		if err != nil {
			return nil, errors.Wrap(err, "fetch.render_command")
		}
		renderer = fetch.Pooled(cmd, fetch.NewOffloadPool(cfg.Fetch.RenderWorkers))
	}

	set := &Set{sources: make(map[string]*Source, len(cfg.Sources))}
	for name, src := range cfg.Sources {
		f := fetcher
		if src.Referer != "" {
			f = fetcher.WithReferer(src.Referer)
		}
		slog := log.With(logger.FieldSite, name)
		// listing pages are fetched one at a time
		listingWorker := fetch.NewWorker(cfg.Fetch, src, f.Fetch, renderer, slog)
		listingWorker.Concurrency = 1

		set.sources[name] = &Source{
			Name:      name,
			Config:    src,
			Collector: NewListingCollector(name, src, listingWorker, slog),
			Details: &DetailEnricher{
				Site:   name,
				Worker: fetch.NewWorker(cfg.Fetch, src, f.Fetch, renderer, slog),
			},
		}
	}

	storeWorker := fetch.NewWorker(cfg.Fetch, am.SourceConfig{}, fetcher.WithReferer("https://www.amazon.com/").Fetch, renderer, log.With(logger.FieldSite, "amazon"))
	storeWorker.Timeout = 12 * time.Second
	set.Stores = &StoreLookup{Worker: storeWorker}
	return set, nil
}
