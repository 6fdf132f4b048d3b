package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/internal/httpclient"
)

// =============================================================================
// Relay Test Universe
// =============================================================================
//
// Five storefronts answer the courier. Storefront #3 sits behind a gate that
// always answers 503, so only the rendering van gets through.
//
// =============================================================================

func titleExtractor(_ string, resp *Response) (string, bool) {
	body := string(resp.Body)
	start := strings.Index(body, "<title>")
	end := strings.Index(body, "</title>")
	if start < 0 || end < start {
		return "", false
	}
	return body[start+len("<title>") : end], true
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*HTTPFetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPFetcher(httpclient.Wrap(srv.Client()), HTTPOptions{UserAgent: "courier/1.0"}), srv
}

func TestWorkerEscalatesBlockedTarget(t *testing.T) {
	var gateHits atomic.Int32
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/store/3" {
			gateHits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "<html><title>%s</title></html>", r.URL.Path)
	})

	var renders atomic.Int32
	renderer := RendererFunc(func(ctx context.Context, url string) (*Response, error) {
		renders.Add(1)
		return &Response{Status: 200, Body: []byte("<title>rendered</title>"), FinalURL: url, Rendered: true}, nil
	})

	targets := make([]string, 5)
	for i := range targets {
		targets[i] = fmt.Sprintf("%s/store/%d", srv.URL, i+1)
	}

	w := &Worker{Fetch: fetcher.Fetch, Renderer: renderer, Concurrency: 2, Retries: 3, Timeout: 2 * time.Second, Escalate: true}
	batch := Run(context.Background(), w, targets, titleExtractor)

	require.Len(t, batch.Results, 5)
	for i, r := range batch.Results {
		assert.Equal(t, targets[i], r.Target, "results keep input order")
		assert.Equal(t, StateOK, r.State)
	}
	assert.Equal(t, "/store/1", batch.Results[0].Payload)
	assert.Equal(t, "rendered", batch.Results[2].Payload)
	assert.True(t, batch.Results[2].Escalated)
	assert.Equal(t, 3, batch.Results[2].Attempts)

	d := batch.Diagnostics
	assert.Equal(t, 5, d.Total)
	assert.Equal(t, 5, d.OK)
	assert.Equal(t, 1, d.Escalated)
	assert.Equal(t, 3, d.HTTPErrors, "every 503 attempt is an http error")
	assert.Equal(t, 3, d.AntibotHits, "and an anti-automation signal")
	assert.Equal(t, []string{targets[2]}, d.HTTPErrorURLs)
	assert.Equal(t, []string{targets[2]}, d.AntibotURLs)
	assert.Equal(t, int32(3), gateHits.Load())
	assert.Equal(t, int32(1), renders.Load())
}

func TestWorkerReportsBlockedTargetWhenRenderFails(t *testing.T) {
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/store/3" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "<html><title>%s</title></html>", r.URL.Path)
	})

	var renders atomic.Int32
	renderer := RendererFunc(func(ctx context.Context, url string) (*Response, error) {
		renders.Add(1)
		return nil, fmt.Errorf("van broke down on the way to %s", url)
	})

	targets := make([]string, 5)
	for i := range targets {
		targets[i] = fmt.Sprintf("%s/store/%d", srv.URL, i+1)
	}

	w := &Worker{Fetch: fetcher.Fetch, Renderer: renderer, Concurrency: 3, Retries: 3, Timeout: 2 * time.Second, Escalate: true}
	batch := Run(context.Background(), w, targets, titleExtractor)

	require.Len(t, batch.Results, 5)
	for i, r := range batch.Results {
		if i == 2 {
			continue
		}
		assert.Equal(t, StateOK, r.State, r.Target)
		assert.False(t, r.Escalated, r.Target)
	}

	blocked := batch.Results[2]
	assert.Equal(t, StateFailed, blocked.State)
	assert.Equal(t, ClassHTTPError, blocked.Class)
	assert.True(t, blocked.Escalated)
	assert.Equal(t, int32(1), renders.Load())

	d := batch.Diagnostics
	assert.Equal(t, 4, d.OK)
	assert.Equal(t, 1, d.Failed)
	assert.Equal(t, 1, d.Escalated)
	assert.Equal(t, 3, d.AntibotHits)
	assert.Equal(t, 4, d.HTTPErrors, "three 503s plus the failed render")
	assert.Equal(t, []string{targets[2]}, d.HTTPErrorURLs)
	assert.Equal(t, []string{targets[2]}, d.AntibotURLs)
}

func TestWorkerDoesNotRetryNotFound(t *testing.T) {
	var hits atomic.Int32
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})

	w := &Worker{Fetch: fetcher.Fetch, Concurrency: 1, Retries: 5}
	batch := Run(context.Background(), w, []string{srv.URL + "/gone"}, titleExtractor)

	r := batch.Results[0]
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, ClassNotFound, r.Class)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, batch.Diagnostics.NotFound)
}

func TestWorkerEmptyPageIsNotAFailure(t *testing.T) {
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>nothing here</body></html>")
	})

	w := &Worker{Fetch: fetcher.Fetch, Concurrency: 1, Retries: 3}
	batch := Run(context.Background(), w, []string{srv.URL}, titleExtractor)

	r := batch.Results[0]
	assert.Equal(t, StateEmpty, r.State)
	assert.Equal(t, 1, r.Attempts, "a parsed page is final")
	assert.Equal(t, 1, batch.Diagnostics.Empty)
	assert.Empty(t, batch.Payloads())
}

func TestWorkerRetriesChallengePage(t *testing.T) {
	var hits atomic.Int32
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			fmt.Fprint(w, "<html>Robot Check: Enter the characters you see below</html>")
			return
		}
		fmt.Fprint(w, "<title>through</title>")
	})

	w := &Worker{Fetch: fetcher.Fetch, Concurrency: 1, Retries: 3, Backoff: time.Millisecond}
	batch := Run(context.Background(), w, []string{srv.URL}, titleExtractor)

	r := batch.Results[0]
	assert.Equal(t, StateOK, r.State)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, 1, r.AntibotHits)
	assert.Equal(t, 0, r.HTTPErrors, "a 200 challenge page is not an http error")
}

func TestWorkerTimeout(t *testing.T) {
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	w := &Worker{Fetch: fetcher.Fetch, Concurrency: 1, Retries: 2, Timeout: 30 * time.Millisecond}
	batch := Run(context.Background(), w, []string{srv.URL}, titleExtractor)

	r := batch.Results[0]
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, ClassTimeout, r.Class)
	assert.Equal(t, 2, batch.Diagnostics.Timeouts)
}

func TestWorkerCancellationSettlesEveryTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 10)

	fetch := func(ctx context.Context, target string) (*Response, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	targets := []string{"a", "b", "c", "d", "e"}
	done := make(chan *Batch[string])
	go func() {
		w := &Worker{Fetch: fetch, Concurrency: 2, Retries: 3}
		done <- Run(ctx, w, targets, titleExtractor)
	}()

	<-started
	cancel()

	select {
	case batch := <-done:
		require.Len(t, batch.Results, len(targets))
		for _, r := range batch.Results {
			assert.Equal(t, StateFailed, r.State)
			assert.Equal(t, ClassCanceled, r.Class)
		}
		assert.Equal(t, len(targets), batch.Diagnostics.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not settle after cancel")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		err  error
		want Class
	}{
		{"ok", &Response{Status: 200, Body: []byte("<html/>")}, nil, ClassOK},
		{"not found", &Response{Status: 404}, nil, ClassNotFound},
		{"gone", &Response{Status: 410}, nil, ClassNotFound},
		{"throttled", &Response{Status: 429}, nil, ClassAntiAutomation},
		{"forbidden", &Response{Status: 403}, nil, ClassAntiAutomation},
		{"captcha body", &Response{Status: 200, Body: []byte(`<form action="/errors/validateCaptcha">`)}, nil, ClassAntiAutomation},
		{"server error", &Response{Status: 500}, nil, ClassHTTPError},
		{"deadline", nil, context.DeadlineExceeded, ClassTimeout},
		{"canceled", nil, context.Canceled, ClassCanceled},
		{"transport", nil, fmt.Errorf("connection refused"), ClassHTTPError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.resp, tt.err))
		})
	}
}

func TestHTTPFetcherSendsBrowserHeaders(t *testing.T) {
	var ua, referer, lang string
	fetcher, srv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		ua, referer, lang = r.UserAgent(), r.Referer(), r.Header.Get("Accept-Language")
		fmt.Fprint(w, "ok")
	})

	resp, err := fetcher.WithReferer("https://rebaid.com/").Fetch(context.Background(), srv.URL+"/p/1")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, srv.URL+"/p/1", resp.FinalURL)
	assert.Equal(t, "courier/1.0", ua)
	assert.Equal(t, "https://rebaid.com/", referer)
	assert.Equal(t, "en-US,en;q=0.9", lang)
}

func TestHTTPFetcherRateLimitHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	fetcher := NewHTTPFetcher(httpclient.Wrap(srv.Client()), HTTPOptions{RequestsPerSecond: 0.1, Burst: 1})

	_, err := fetcher.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fetcher.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, ClassTimeout, Classify(nil, err))
}
