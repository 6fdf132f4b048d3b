package schedule

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

// DefaultPollInterval is how often Wait polls run status
const DefaultPollInterval = 3 * time.Second

// Client drives runs through the HTTP run API rather than in-process, so a
// standalone scheduler and the CLI behave the same as the embedded one.
type Client struct {
	base   string
	http   *retryablehttp.Client
	poll   time.Duration
	logger *zap.SugaredLogger
}

// NewClient creates a client for the API at baseURL. poll <= 0 uses
// DefaultPollInterval.
func NewClient(baseURL string, poll time.Duration, log *zap.SugaredLogger) *Client {
	log = logger.Nop(log)
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 90 * time.Second
	rc.Logger = leveledLogger{log}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   rc,
		poll:   poll,
		logger: log,
	}
}

// Start starts a run of kind and returns its handle. A non-2xx answer is an
// error carrying the response body.
func (c *Client) Start(ctx context.Context, kind string, params map[string]interface{}) (*async.RunHandle, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{"kind": kind, "params": params})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode start request")
	}

	var handle async.RunHandle
	if err := c.do(ctx, http.MethodPost, "/jobs/start", nil, body, &handle); err != nil {
		return nil, errors.Wrapf(err, "start %s", kind)
	}
	return &handle, nil
}

// Status fetches the state of a run. Unknown runs yield a not found error.
func (c *Client) Status(ctx context.Context, runID int64) (*async.Run, error) {
	var run async.Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/status/%d", runID), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Wait polls a run until it reaches a terminal status. A 404 is retried
// since the run may not be visible yet, and so are transport errors. When
// timeout elapses first Wait returns the last state seen with ErrTimeout;
// the run itself is left alone.
func (c *Client) Wait(ctx context.Context, runID int64, timeout time.Duration) (*async.Run, error) {
	log := c.logger.With(logger.FieldRunID, runID)
	deadline := time.Now().Add(timeout)
	var last *async.Run

	for {
		run, err := c.Status(ctx, runID)
		switch {
		case err == nil:
			last = run
			if run.Status.IsTerminal() {
				log.Infow("Run finished", logger.FieldStatus, run.Status)
				return run, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		case errors.IsNotFoundError(err):
			log.Debugw("Run not visible yet")
		default:
			log.Warnw("Error polling run", logger.FieldError, err)
		}

		if time.Now().After(deadline) {
			return last, errors.WithDetailf(errors.Wrapf(errors.ErrTimeout, "run %d", runID), "Waited: %s", timeout)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// CancelAll cancels every unfinished run, or those of kind when set
func (c *Client) CancelAll(ctx context.Context, kind string) ([]int64, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	var out struct {
		Canceled []int64 `json:"canceled"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/cancel-all", q, nil, &out); err != nil {
		return nil, errors.Wrap(err, "cancel-all")
	}
	return out.Canceled, nil
}

// Cancel cancels one run and returns its status afterwards
func (c *Client) Cancel(ctx context.Context, runID int64) (async.RunStatus, error) {
	var out struct {
		RunID  int64           `json:"run_id"`
		Status async.RunStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/cancel/%d", runID), nil, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Runs lists recent runs matching filter
func (c *Client) Runs(ctx context.Context, filter async.RunFilter) ([]*async.Run, error) {
	q := url.Values{}
	if filter.Kind != "" {
		q.Set("kind", filter.Kind)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	var runs []*async.Run
	if err := c.do(ctx, http.MethodGet, "/jobs/runs", q, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Export requests the rows touched since the given time from exportURL and
// returns how many CSV data rows came back. A relative exportURL is resolved
// against the API base.
func (c *Client) Export(ctx context.Context, exportURL string, since time.Time) (int, error) {
	u, err := url.Parse(exportURL)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid export url %q", exportURL)
	}
	if !u.IsAbs() {
		base, err := url.Parse(c.base + "/")
		if err != nil {
			return 0, errors.Wrapf(err, "invalid api base %q", c.base)
		}
		u = base.ResolveReference(u)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build export request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "export request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, statusError(resp)
	}

	rows := 0
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			rows++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to read export")
	}
	if rows > 0 {
		rows-- // header
	}
	return rows, nil
}

// do sends a JSON request to the API and decodes a 2xx answer into out
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NewNotFoundError("%s", path)
	}
	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}

func statusError(resp *http.Response) error {
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := errors.Newf("unexpected status %d", resp.StatusCode)
	if msg := strings.TrimSpace(string(text)); msg != "" {
		err = errors.WithDetail(err, msg)
	}
	if resp.StatusCode == http.StatusBadRequest {
		err = errors.Mark(err, errors.ErrInvalidRequest)
	}
	return err
}

// leveledLogger adapts zap to retryablehttp's logger
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }
