// Package fetch runs many page fetches with bounded concurrency, retries,
// anti-automation detection and an optional escalation to a rendered page.
//
// A Worker never drops a target: Run returns exactly one Result per input, in
// input order, each ok, empty (fetched but nothing extractable) or failed.
package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

// State is the final state of one target
type State string

const (
	StateOK     State = "ok"
	StateEmpty  State = "empty"
	StateFailed State = "failed"
)

// maxSampleURLs bounds each URL sample list in Diagnostics
const maxSampleURLs = 20

// Extractor turns a fetched page into a payload. ok=false means the page
// held nothing usable.
type Extractor[T any] func(target string, resp *Response) (payload T, ok bool)

// Result is the outcome for one target
type Result[T any] struct {
	Target    string `json:"target"`
	State     State  `json:"state"`
	Class     Class  `json:"class"` // last failure class, ok when nothing failed
	Attempts  int    `json:"attempts"`
	Escalated bool   `json:"escalated"`
	Payload   T      `json:"-"`

	Timeouts    int `json:"timeouts"`
	HTTPErrors  int `json:"http_errors"`
	AntibotHits int `json:"antibot_hits"`
}

// Diagnostics aggregates a batch. Counters sum every attempt; the URL lists
// sample targets that hit each class at least once.
type Diagnostics struct {
	Total       int `json:"total"`
	OK          int `json:"ok"`
	Empty       int `json:"empty"`
	Failed      int `json:"failed"`
	Timeouts    int `json:"timeouts"`
	HTTPErrors  int `json:"http_errors"`
	AntibotHits int `json:"antibot_hits"`
	NotFound    int `json:"not_found"`
	Escalated   int `json:"escalated"`
	Canceled    int `json:"canceled"`

	TimeoutURLs   []string `json:"timeout_urls,omitempty"`
	HTTPErrorURLs []string `json:"http_error_urls,omitempty"`
	AntibotURLs   []string `json:"antibot_urls,omitempty"`
	NotFoundURLs  []string `json:"not_found_urls,omitempty"`
	EmptyURLs     []string `json:"empty_urls,omitempty"`
}

// Meta flattens the diagnostics into event metadata
func (d Diagnostics) Meta() map[string]interface{} {
	return map[string]interface{}{
		"total":           d.Total,
		"ok":              d.OK,
		"empty":           d.Empty,
		"failed":          d.Failed,
		"timeouts":        d.Timeouts,
		"http_errors":     d.HTTPErrors,
		"antibot_hits":    d.AntibotHits,
		"not_found":       d.NotFound,
		"escalated":       d.Escalated,
		"canceled":        d.Canceled,
		"timeout_urls":    d.TimeoutURLs,
		"http_error_urls": d.HTTPErrorURLs,
		"antibot_urls":    d.AntibotURLs,
		"not_found_urls":  d.NotFoundURLs,
		"empty_urls":      d.EmptyURLs,
	}
}

// Add folds another batch's diagnostics into d, keeping the sample caps
func (d *Diagnostics) Add(o Diagnostics) {
	d.Total += o.Total
	d.OK += o.OK
	d.Empty += o.Empty
	d.Failed += o.Failed
	d.Timeouts += o.Timeouts
	d.HTTPErrors += o.HTTPErrors
	d.AntibotHits += o.AntibotHits
	d.NotFound += o.NotFound
	d.Escalated += o.Escalated
	d.Canceled += o.Canceled
	for _, u := range o.TimeoutURLs {
		d.TimeoutURLs = sample(d.TimeoutURLs, u)
	}
	for _, u := range o.HTTPErrorURLs {
		d.HTTPErrorURLs = sample(d.HTTPErrorURLs, u)
	}
	for _, u := range o.AntibotURLs {
		d.AntibotURLs = sample(d.AntibotURLs, u)
	}
	for _, u := range o.NotFoundURLs {
		d.NotFoundURLs = sample(d.NotFoundURLs, u)
	}
	for _, u := range o.EmptyURLs {
		d.EmptyURLs = sample(d.EmptyURLs, u)
	}
}

// Batch is the outcome of one Run
type Batch[T any] struct {
	Results     []Result[T]
	Diagnostics Diagnostics
}

// Payloads returns the payloads of ok results in input order
func (b *Batch[T]) Payloads() []T {
	out := make([]T, 0, len(b.Results))
	for _, r := range b.Results {
		if r.State == StateOK {
			out = append(out, r.Payload)
		}
	}
	return out
}

// Worker holds fetch policy. The zero value of every duration disables it.
type Worker struct {
	Fetch       FetchFunc
	Renderer    Renderer // nil disables escalation
	Concurrency int
	Retries     int // lightweight attempts per target, at least 1
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration // per attempt
	Escalate    bool
	Logger      *zap.SugaredLogger
}

// NewWorker builds a worker from fetch defaults and source overrides
func NewWorker(cfg am.FetchConfig, src am.SourceConfig, fetch FetchFunc, renderer Renderer, log *zap.SugaredLogger) *Worker {
	w := &Worker{
		Fetch:       fetch,
		Renderer:    renderer,
		Concurrency: cfg.Concurrency,
		Retries:     cfg.Retries,
		Backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		Timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Escalate:    cfg.Escalate,
		Logger:      log,
	}
	if src.Concurrency > 0 {
		w.Concurrency = src.Concurrency
	}
	if src.Retries > 0 {
		w.Retries = src.Retries
	}
	if src.TimeoutMS > 0 {
		w.Timeout = time.Duration(src.TimeoutMS) * time.Millisecond
	}
	return w
}

// Run fetches every target and extracts payloads. It returns when all
// targets are settled; once ctx ends, unfinished targets fail as canceled.
func Run[T any](ctx context.Context, w *Worker, targets []string, extract Extractor[T]) *Batch[T] {
	log := logger.Nop(w.Logger)
	results := make([]Result[T], len(targets))
	for i, t := range targets {
		results[i] = Result[T]{Target: t, State: StateFailed, Class: ClassCanceled}
	}

	sem := semaphore.NewWeighted(int64(max(1, w.Concurrency)))
	var g errgroup.Group
	for i := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = fetchOne(ctx, w, targets[i], extract)
			return nil
		})
	}
	_ = g.Wait()

	batch := &Batch[T]{Results: results, Diagnostics: diagnose(results)}
	d := batch.Diagnostics
	log.Debugw("Fetch batch settled",
		logger.FieldCount, d.Total,
		"ok", d.OK, "empty", d.Empty, "failed", d.Failed,
		"antibot_hits", d.AntibotHits, "escalated", d.Escalated)
	return batch
}

// errRetry marks an attempt worth repeating
var errRetry = errors.New("retryable fetch failure")

func fetchOne[T any](ctx context.Context, w *Worker, target string, extract Extractor[T]) Result[T] {
	res := Result[T]{Target: target, State: StateFailed}

	// settle classifies an attempt and reports whether the target is done
	settle := func(resp *Response, err error) (done bool) {
		class := Classify(resp, err)
		if class != ClassCanceled && ctx.Err() != nil {
			class = ClassCanceled
		}
		switch class {
		case ClassOK:
			if payload, ok := extract(target, resp); ok {
				res.State, res.Class, res.Payload = StateOK, ClassOK, payload
			} else {
				res.State, res.Class = StateEmpty, ClassOK
			}
			return true
		case ClassTimeout:
			res.Timeouts++
		case ClassAntiAutomation:
			res.AntibotHits++
			if resp != nil && (resp.Status < 200 || resp.Status > 299) {
				res.HTTPErrors++
			}
		case ClassHTTPError, ClassNotFound:
			res.HTTPErrors++
		}
		if res.State != StateEmpty {
			res.Class = class
		}
		return !class.Retryable()
	}

	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.Backoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.3),
		backoff.WithMaxInterval(max(w.MaxBackoff, w.Backoff)),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(1, w.Retries)-1)), ctx)

	_ = backoff.Retry(func() error {
		res.Attempts++
		actx, cancel := withTimeout(ctx, w.Timeout)
		resp, err := w.Fetch(actx, target)
		cancel()
		if settle(resp, err) {
			return nil
		}
		return errRetry
	}, policy)

	if ctx.Err() != nil && res.State != StateOK {
		res.State, res.Class = StateFailed, ClassCanceled
		return res
	}

	if res.State != StateOK && res.Class != ClassCanceled && w.Escalate && w.Renderer != nil {
		res.Escalated = true
		rctx, cancel := withTimeout(ctx, 2*w.Timeout)
		resp, err := w.Renderer.Render(rctx, target)
		cancel()
		if err != nil {
			logger.Nop(w.Logger).Debugw("Render failed", logger.FieldURL, target, logger.FieldError, err)
		}
		settle(resp, err)
	}
	return res
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func diagnose[T any](results []Result[T]) Diagnostics {
	d := Diagnostics{Total: len(results)}
	for _, r := range results {
		switch r.State {
		case StateOK:
			d.OK++
		case StateEmpty:
			d.Empty++
			d.EmptyURLs = sample(d.EmptyURLs, r.Target)
		case StateFailed:
			d.Failed++
		}
		if r.Class == ClassCanceled {
			d.Canceled++
		}
		if r.Class == ClassNotFound {
			d.NotFound++
			d.NotFoundURLs = sample(d.NotFoundURLs, r.Target)
		}
		if r.Escalated {
			d.Escalated++
		}
		d.Timeouts += r.Timeouts
		d.HTTPErrors += r.HTTPErrors
		d.AntibotHits += r.AntibotHits
		if r.Timeouts > 0 {
			d.TimeoutURLs = sample(d.TimeoutURLs, r.Target)
		}
		if r.HTTPErrors > 0 {
			d.HTTPErrorURLs = sample(d.HTTPErrorURLs, r.Target)
		}
		if r.AntibotHits > 0 {
			d.AntibotURLs = sample(d.AntibotURLs, r.Target)
		}
	}
	return d
}

func sample(list []string, url string) []string {
	if len(list) >= maxSampleURLs {
		return list
	}
	return append(list, url)
}
