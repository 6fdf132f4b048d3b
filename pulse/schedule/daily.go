package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

// Kinds the daily pipeline starts, in order
const (
	KindFreshRun     = "full_fresh_run"
	KindAmazonStores = "amazon_stores"
	stepExport       = "export"
)

// Step wait limits
const (
	DefaultFreshWait  = 3 * time.Hour
	DefaultStoresWait = 2 * time.Hour
)

// DefaultFreshParams are the full_fresh_run params of a scheduled pass
func DefaultFreshParams() map[string]interface{} {
	return map[string]interface{}{
		"rebaid_max_pages":         0, // 0 = all
		"rebaid_timeout_ms":        30000,
		"rebatekey_headed":         false,
		"myvipon_headed":           true,
		"rebaid_detail_timeout_ms": 12000,
		"rebatekey_concurrency":    12,
		"rebatekey_retries":        2,
		"rebatekey_timeout":        20,
		"myvipon_workers":          8,
		"myvipon_timeout":          30,
	}
}

// DefaultStoresParams are the amazon_stores params of a scheduled pass
func DefaultStoresParams() map[string]interface{} {
	return map[string]interface{}{
		"missing_only": true,
		"limit":        6000,
		"timeout_ms":   12000,
	}
}

// DailyConfig tunes a DailyPipeline
type DailyConfig struct {
	CancelOverlaps bool
	ExportURL      string // empty skips the export step
	FreshWait      time.Duration
	StoresWait     time.Duration
}

// DailyPipeline runs full_fresh_run then amazon_stores, each to completion,
// and optionally triggers an export of what they touched. Passes never
// overlap: a pass that cannot take the lock is recorded as skipped.
type DailyPipeline struct {
	client *Client
	lock   Lock
	execs  *ExecutionStore // nil keeps no history
	cfg    DailyConfig
	logger *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewDailyPipeline creates the pipeline. execs may be nil.
func NewDailyPipeline(client *Client, lock Lock, execs *ExecutionStore, cfg DailyConfig, log *zap.SugaredLogger) *DailyPipeline {
	if lock == nil {
		lock = NewLocalLock()
	}
	if cfg.FreshWait <= 0 {
		cfg.FreshWait = DefaultFreshWait
	}
	if cfg.StoresWait <= 0 {
		cfg.StoresWait = DefaultStoresWait
	}
	return &DailyPipeline{
		client: client,
		lock:   lock,
		execs:  execs,
		cfg:    cfg,
		logger: logger.Nop(log).With(logger.FieldComponent, "scheduler"),
	}
}

// Trigger runs one pass and blocks until it ends. When another pass holds
// the lock it returns the skipped execution and an ErrConflict error.
func (p *DailyPipeline) Trigger(ctx context.Context, trigger string) (*Execution, error) {
	release, exec, err := p.acquire(ctx, trigger)
	if err != nil {
		return exec, err
	}
	defer release()
	p.run(ctx, exec)
	return exec, nil
}

// RunNow starts a pass in the background under the same lock as scheduled
// passes and returns the running execution. ctx bounds the pass, not the
// call.
func (p *DailyPipeline) RunNow(ctx context.Context) (*Execution, error) {
	release, exec, err := p.acquire(ctx, TriggerManual)
	if err != nil {
		return exec, err
	}
	snapshot := *exec
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer release()
		p.run(ctx, exec)
	}()
	return &snapshot, nil
}

// Wait blocks until passes started by RunNow have ended
func (p *DailyPipeline) Wait() {
	p.wg.Wait()
}

func (p *DailyPipeline) acquire(ctx context.Context, trigger string) (func(), *Execution, error) {
	release, ok, err := p.lock.TryLock(ctx)
	if err != nil {
		return nil, nil, err
	}
	exec := &Execution{ID: uuid.NewString(), Trigger: trigger, StartedAt: time.Now().UTC(), Status: ExecutionStatusRunning}
	if !ok {
		now := exec.StartedAt
		exec.Status = ExecutionStatusSkipped
		exec.FinishedAt = &now
		exec.Error = "previous pass still running"
		p.logger.Warnw("Daily pipeline skipped, previous pass still running", "trigger", trigger)
		p.record(ctx, exec, true)
		return nil, exec, errors.Wrap(errors.ErrConflict, "daily pipeline already running")
	}
	p.record(ctx, exec, true)
	return release, exec, nil
}

// record persists exec when history is kept; failures only get logged
func (p *DailyPipeline) record(ctx context.Context, exec *Execution, create bool) {
	if p.execs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if create {
		err = p.execs.Create(ctx, exec)
	} else {
		err = p.execs.Finish(ctx, exec)
	}
	if err != nil {
		p.logger.Warnw("Failed to record execution", "execution_id", exec.ID, logger.FieldError, err)
	}
}

// run executes the steps of one pass and finishes exec
func (p *DailyPipeline) run(ctx context.Context, exec *Execution) {
	log := p.logger.With("execution_id", exec.ID, "trigger", exec.Trigger)
	log.Infow("Starting daily pipeline")
	since := exec.StartedAt

	if p.cfg.CancelOverlaps {
		for _, kind := range []string{KindFreshRun, KindAmazonStores} {
			ids, err := p.client.CancelAll(ctx, kind)
			if err != nil {
				log.Warnw("Cancel-all preflight failed, continuing", logger.FieldKind, kind, logger.FieldError, err)
				continue
			}
			if len(ids) > 0 {
				log.Infow("Canceled overlapping runs", logger.FieldKind, kind, logger.FieldCount, len(ids))
			}
		}
	}

	exec.Runs = append(exec.Runs, p.step(ctx, log, KindFreshRun, DefaultFreshParams(), p.cfg.FreshWait))
	if ctx.Err() == nil {
		exec.Runs = append(exec.Runs, p.step(ctx, log, KindAmazonStores, DefaultStoresParams(), p.cfg.StoresWait))
	}
	if ctx.Err() == nil && p.cfg.ExportURL != "" {
		exec.Runs = append(exec.Runs, p.export(ctx, log, since))
	}

	now := time.Now().UTC()
	exec.FinishedAt = &now
	exec.Status = ExecutionStatusCompleted
	var failed []string
	for _, r := range exec.Runs {
		if r.Status != string(async.StatusDone) {
			failed = append(failed, fmt.Sprintf("%s %s", r.Kind, r.Status))
		}
	}
	if err := ctx.Err(); err != nil {
		failed = append(failed, err.Error())
	}
	if len(failed) > 0 {
		exec.Status = ExecutionStatusFailed
		exec.Error = strings.Join(failed, "; ")
	}
	p.record(ctx, exec, false)
	log.Infow("Daily pipeline finished",
		logger.FieldStatus, exec.Status,
		logger.FieldDurationMS, exec.Duration().Milliseconds())
}

// step starts one run and waits for it. A run that cannot be started is
// skipped, one that outlives wait is left running.
func (p *DailyPipeline) step(ctx context.Context, log *zap.SugaredLogger, kind string, params map[string]interface{}, wait time.Duration) StepRun {
	out := StepRun{Kind: kind}
	handle, err := p.client.Start(ctx, kind, params)
	if err != nil {
		log.Warnw("Run was not started, skipping wait", logger.FieldKind, kind, logger.FieldError, err)
		out.Status = StepNotStarted
		out.Note = err.Error()
		return out
	}
	out.RunID = handle.RunID
	log.Infow("Started run", logger.FieldKind, kind, logger.FieldRunID, handle.RunID, logger.FieldTotal, handle.Total)

	run, err := p.client.Wait(ctx, handle.RunID, wait)
	switch {
	case err == nil:
		out.Status = string(run.Status)
		out.Note = run.Note
	case errors.Is(err, errors.ErrTimeout):
		log.Warnw("Run did not finish in time", logger.FieldKind, kind, logger.FieldRunID, handle.RunID, "wait", wait)
		out.Status = StepTimeout
	default:
		out.Status = string(async.StatusError)
		out.Note = err.Error()
	}
	return out
}

func (p *DailyPipeline) export(ctx context.Context, log *zap.SugaredLogger, since time.Time) StepRun {
	out := StepRun{Kind: stepExport}
	rows, err := p.client.Export(ctx, p.cfg.ExportURL, since)
	if err != nil {
		log.Warnw("Export failed", logger.FieldError, err)
		out.Status = string(async.StatusError)
		out.Note = err.Error()
		return out
	}
	log.Infow("Export triggered", logger.FieldCount, rows)
	out.Status = string(async.StatusDone)
	out.Note = fmt.Sprintf("%d rows", rows)
	return out
}
