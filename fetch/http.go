package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/internal/httpclient"
)

// maxBodyBytes caps how much of a page is read
const maxBodyBytes = 8 << 20

// Response is what one fetch returns
type Response struct {
	Status   int
	Body     []byte
	FinalURL string
	Rendered bool
}

// FetchFunc performs one lightweight attempt for a target
type FetchFunc func(ctx context.Context, target string) (*Response, error)

// HTTPFetcher fetches pages with browser-like headers and a per-host rate limit
type HTTPFetcher struct {
	client   *httpclient.Client
	headers  http.Header
	limiters *hostLimiters
}

// hostLimiters hands out one token bucket per host
type hostLimiters struct {
	rps   rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.m[host]
	if l == nil {
		l = rate.NewLimiter(h.rps, h.burst)
		h.m[host] = l
	}
	return l
}

// HTTPOptions configures an HTTPFetcher
type HTTPOptions struct {
	UserAgent         string
	Referer           string
	RequestsPerSecond float64 // per host, 0 = unlimited
	Burst             int
}

// NewHTTPFetcher creates a fetcher on client
func NewHTTPFetcher(client *httpclient.Client, opts HTTPOptions) *HTTPFetcher {
	h := http.Header{}
	h.Set("User-Agent", opts.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	if opts.Referer != "" {
		h.Set("Referer", opts.Referer)
	}

	rps := rate.Inf
	if opts.RequestsPerSecond > 0 {
		rps = rate.Limit(opts.RequestsPerSecond)
	}
	return &HTTPFetcher{
		client:   client,
		headers:  h,
		limiters: &hostLimiters{rps: rps, burst: max(1, opts.Burst), m: make(map[string]*rate.Limiter)},
	}
}

// WithReferer returns a fetcher sharing client and limiters but sending a
// different Referer
func (f *HTTPFetcher) WithReferer(referer string) *HTTPFetcher {
	h := f.headers.Clone()
	h.Set("Referer", referer)
	return &HTTPFetcher{client: f.client, headers: h, limiters: f.limiters}
}

// Fetch is a FetchFunc
func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (*Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", target)
	}
	if err := f.limiters.get(u.Host).Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// the wait would outlast the deadline
			return nil, errors.WithMessage(context.DeadlineExceeded, err.Error())
		}
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header = f.headers.Clone()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read body of %s", target)
	}
	return &Response{Status: resp.StatusCode, Body: body, FinalURL: resp.Request.URL.String()}, nil
}
