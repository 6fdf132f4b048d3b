package async

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse"
)

// Notes recorded on cancellation
const (
	NoteCanceledByRequest = "canceled by request"
	NoteCanceledNoTask    = "canceled by request (no live task)"
	NoteCanceledSweep     = "canceled (no live task)"
	NoteCanceledShutdown  = "canceled by shutdown"
)

// finishTimeout bounds the terminal write after the run context is gone
const finishTimeout = 10 * time.Second

// Engine starts runs in their own goroutines, persists every lifecycle change
// and publishes progress to the broker.
//
// Each live run holds a cancel token. Cancelling a live run cancels its
// context and waits for the body to exit; the body's return value decides the
// terminal status, which is written at most once.
type Engine struct {
	store    *Store
	registry *Registry
	broker   *Broker
	logger   *zap.SugaredLogger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	tasks   map[int64]*liveTask
	closing bool
	wg      sync.WaitGroup
}

type liveTask struct {
	runID  int64
	kind   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine. A nil broker gets a fresh one.
func NewEngine(store *Store, registry *Registry, broker *Broker, log *zap.SugaredLogger) *Engine {
	if broker == nil {
		broker = NewBroker()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		registry:   registry,
		broker:     broker,
		logger:     logger.Nop(log),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		tasks:      make(map[int64]*liveTask),
	}
}

// Registry returns the kinds this engine can start
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Broker returns the stream broker
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Start validates and sizes a run of kind, persists it as queued and launches
// its body. It returns before the body has made any progress.
func (e *Engine) Start(ctx context.Context, kindName string, params Params) (*RunHandle, error) {
	kind := e.registry.Get(kindName)
	if kind == nil {
		return nil, errors.NewInvalidRequestError("unknown kind %q", kindName)
	}
	if params == nil {
		params = Params{}
	}

	total, err := kind.Prepare(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "prepare %s", kindName)
	}

	jobID, err := e.store.GetOrCreateJob(ctx, kindName)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "engine is shutting down")
	}

	runID, err := e.store.CreateRun(ctx, jobID, total, map[string]interface{}{"params": params})
	if err != nil {
		return nil, errors.WithDetail(err, "Kind: "+kindName)
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	runCtx = logger.WithRunID(runCtx, runID)
	t := &liveTask{runID: runID, kind: kindName, cancel: cancel, done: make(chan struct{})}
	e.tasks[runID] = t

	e.wg.Add(1)
	go e.execute(runCtx, t, kind, params)

	e.logger.Infow("Run queued",
		logger.FieldRunID, runID,
		logger.FieldKind, kindName,
		logger.FieldTotal, total)

	return &RunHandle{RunID: runID, Kind: kindName, Total: total}, nil
}

func (e *Engine) execute(ctx context.Context, t *liveTask, kind Kind, params Params) {
	defer e.wg.Done()
	defer close(t.done)
	defer t.cancel()

	log := logger.FromContext(ctx, e.logger).With(logger.FieldKind, t.kind)
	started := time.Now()

	err := e.MarkRunning(ctx, t.runID, nil)
	if err == nil {
		err = e.runBody(ctx, kind, &Task{engine: e, RunID: t.runID, Kind: t.kind}, params)
	}

	status, note := e.outcome(ctx, err)

	fctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if status == StatusError {
		ec := ClassifyError(t.kind, err)
		log.Errorw("Run failed",
			logger.FieldError, err,
			logger.FieldErrorType, ec.Code)
		if evErr := e.store.AppendEvent(fctx, t.runID, Event{
			Level:   pulse.LevelError,
			Message: ec.Message,
			Meta:    map[string]interface{}{"code": string(ec.Code)},
		}); evErr != nil {
			log.Warnw("Failed to record run error event", logger.FieldError, evErr)
		}
	}

	if _, ferr := e.finish(fctx, t.runID, status, note); ferr != nil {
		log.Errorw("Failed to finish run", logger.FieldStatus, status, logger.FieldError, ferr)
	}

	// Unregister only after the terminal write so a concurrent Cancel either
	// waits on done or observes the terminal row.
	e.mu.Lock()
	delete(e.tasks, t.runID)
	e.mu.Unlock()

	log.Infow("Run finished",
		logger.FieldStatus, status,
		logger.FieldDurationMS, time.Since(started).Milliseconds())
}

func (e *Engine) runBody(ctx context.Context, kind Kind, task *Task, params Params) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(errPanic, "%v", r)
		}
	}()
	return kind.Run(ctx, task, params)
}

func (e *Engine) outcome(ctx context.Context, err error) (RunStatus, string) {
	if err == nil {
		return StatusDone, ""
	}
	if errors.IsCanceled(err) || ctx.Err() != nil {
		e.mu.Lock()
		closing := e.closing
		e.mu.Unlock()
		if closing {
			return StatusCanceled, NoteCanceledShutdown
		}
		return StatusCanceled, NoteCanceledByRequest
	}
	return StatusError, err.Error()
}

// finish writes the terminal status at most once and closes the run stream
// when this call was the one that applied.
func (e *Engine) finish(ctx context.Context, runID int64, status RunStatus, note string) (bool, error) {
	applied, err := e.store.Finish(ctx, runID, status, note)
	if err != nil {
		return false, err
	}
	if !applied {
		if _, err := e.store.GetRun(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	e.broker.Finalize(runID, Message{Type: MessageType(status), Run: run})
	return true, nil
}

// Status returns the persisted run
func (e *Engine) Status(ctx context.Context, runID int64) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Runs lists recent runs
func (e *Engine) Runs(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// Events returns the persisted event trail of a run, oldest first
func (e *Engine) Events(ctx context.Context, runID int64, limit int) ([]*Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, runID, limit)
}

// IsLive reports whether the run's body is executing in this process
func (e *Engine) IsLive(runID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[runID]
	return ok
}

// Subscribe attaches to a run's stream. Finished runs yield their terminal
// message and end immediately.
func (e *Engine) Subscribe(ctx context.Context, runID int64) (*Subscription, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	sub := e.broker.Subscribe(runID)
	if run.Status.IsTerminal() {
		e.broker.Finalize(runID, Message{Type: MessageType(run.Status), Run: run})
	}
	return sub, nil
}

// MarkRunning moves the run to running, setting started_at once. A non-nil
// total replaces the stored total. Terminal runs are left untouched.
func (e *Engine) MarkRunning(ctx context.Context, runID int64, total *int) error {
	applied, err := e.store.MarkRunning(ctx, runID, total)
	if err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if applied {
		e.broker.Publish(runID, Message{Type: MessageStarted, Run: run})
	}
	return nil
}

// Tick counts max(plus,1) processed items and appends an event in one
// transaction. Safe to call from many goroutines.
func (e *Engine) Tick(ctx context.Context, runID int64, in TickInput) error {
	if in.Plus == 0 && in.Note != "" && in.Meta["log_only"] == true {
		return e.Log(ctx, runID, in.Level, in.Note, in.Meta)
	}

	delta := max(in.Plus, 1)
	level := in.Level
	if level == "" {
		level = pulse.LevelInfo
		if !in.OK {
			level = pulse.LevelError
		}
	}

	run, err := e.store.ApplyTick(ctx, runID, in.OK, delta, Event{
		Level:   level,
		Message: in.Note,
		Plus:    delta,
		Meta:    in.Meta,
	})
	if err != nil {
		return errors.WithDetailf(err, "Run ID: %d", runID)
	}
	if run == nil {
		return errors.NewNotFoundError("run %d", runID)
	}

	if site, ok := in.Meta["site"].(string); ok && site != "" {
		stage, _ := in.Meta["stage"].(string)
		if stage == "" {
			stage = pulse.StageDetails
		}
		part, err := e.store.GetOrCreatePart(ctx, runID, site, stage)
		if err != nil {
			return err
		}
		if err := e.store.TickPart(ctx, part.ID, in.OK, delta); err != nil {
			return err
		}
	}

	// the snapshot comes from the tick's own transaction; the broker drops it
	// if a later tick was already delivered
	if e.broker.Subscribers(runID) > 0 {
		e.broker.Publish(runID, Message{Type: MessageProgress, Run: run})
	}
	return nil
}

// Log appends an event without touching counters
func (e *Engine) Log(ctx context.Context, runID int64, level, message string, meta map[string]interface{}) error {
	if level == "" {
		level = pulse.LevelInfo
	}
	if err := e.store.AppendEvent(ctx, runID, Event{Level: level, Message: message, Meta: meta}); err != nil {
		return err
	}
	e.publishProgress(ctx, runID)
	return nil
}

func (e *Engine) publishProgress(ctx context.Context, runID int64) {
	if e.broker.Subscribers(runID) == 0 {
		return
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Debugw("Progress snapshot failed", logger.FieldRunID, runID, logger.FieldError, err)
		return
	}
	e.broker.Publish(runID, Message{Type: MessageProgress, Run: run})
}

// Finish moves a run to a terminal status. It applies at most once; later
// calls return the run unchanged.
func (e *Engine) Finish(ctx context.Context, runID int64, status RunStatus, note string) (*Run, error) {
	if _, err := e.finish(ctx, runID, status, note); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, runID)
}

// Cancel stops a run. A live run is cancelled through its context and the
// call waits for the body to exit. A run with no live body is marked
// canceled directly. Terminal runs are returned unchanged.
func (e *Engine) Cancel(ctx context.Context, runID int64) (*Run, error) {
	e.mu.Lock()
	t := e.tasks[runID]
	e.mu.Unlock()

	if t != nil {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.store.GetRun(ctx, runID)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if _, err := e.finish(ctx, runID, StatusCanceled, NoteCanceledNoTask); err != nil {
		return nil, err
	}
	e.logger.Infow("Run force-canceled", logger.FieldRunID, runID)
	return e.store.GetRun(ctx, runID)
}

// CancelAll cancels every live run (optionally only of one kind) and waits
// for each, then marks persisted queued or running runs without a live body
// as canceled. Returns the affected run IDs in ascending order.
func (e *Engine) CancelAll(ctx context.Context, kind string) ([]int64, error) {
	e.mu.Lock()
	var live []*liveTask
	for _, t := range e.tasks {
		if kind == "" || t.kind == kind {
			live = append(live, t)
		}
	}
	e.mu.Unlock()

	for _, t := range live {
		t.cancel()
	}

	ids := make([]int64, 0, len(live))
	for _, t := range live {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		ids = append(ids, t.runID)
	}

	runs, err := e.store.ListUnfinishedRuns(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if e.IsLive(run.ID) {
			continue
		}
		applied, err := e.finish(ctx, run.ID, StatusCanceled, NoteCanceledSweep)
		if err != nil {
			return nil, err
		}
		if applied {
			ids = append(ids, run.ID)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	e.logger.Infow("Cancel-all complete", logger.FieldKind, kind, logger.FieldCount, len(ids))
	return ids, nil
}

// Part returns the RunPart for (site, stage), creating it on demand
func (e *Engine) Part(ctx context.Context, runID int64, site, stage string) (*Part, error) {
	return e.store.GetOrCreatePart(ctx, runID, site, stage)
}

// MarkPartRunning starts a part; a non-nil total replaces its total
func (e *Engine) MarkPartRunning(ctx context.Context, partID int64, total *int) error {
	return e.store.MarkPartRunning(ctx, partID, total)
}

// TickPart counts max(plus,1) items against a part without touching the run
func (e *Engine) TickPart(ctx context.Context, partID int64, ok bool, plus int) error {
	return e.store.TickPart(ctx, partID, ok, max(plus, 1))
}

// FinishPart moves a part to a terminal status at most once
func (e *Engine) FinishPart(ctx context.Context, partID int64, status RunStatus, note string) error {
	_, err := e.store.FinishPart(ctx, partID, status, note)
	return err
}

// Parts lists the parts of a run
func (e *Engine) Parts(ctx context.Context, runID int64) ([]*Part, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListParts(ctx, runID)
}

// Shutdown cancels every live run and waits for the bodies to exit or ctx
// to end. Start fails afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	live := len(e.tasks)
	e.mu.Unlock()

	if live > 0 {
		e.logger.Infow("Cancelling live runs for shutdown", logger.FieldCount, live)
	}
	e.cancelBase()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown timed out waiting for runs")
	}
}

// Task is the handle a run body uses to report progress. It satisfies
// pulse.Progress.
type Task struct {
	engine *Engine
	RunID  int64
	Kind   string
}

var _ pulse.Progress = (*Task)(nil)

func (t *Task) MarkRunning(ctx context.Context, total int) error {
	return t.engine.MarkRunning(ctx, t.RunID, &total)
}

func (t *Task) Tick(ctx context.Context, ok bool, plus int, note string, meta map[string]interface{}) error {
	return t.engine.Tick(ctx, t.RunID, TickInput{OK: ok, Plus: plus, Note: note, Meta: meta})
}

func (t *Task) Log(ctx context.Context, level, message string, meta map[string]interface{}) error {
	return t.engine.Log(ctx, t.RunID, level, message, meta)
}

func (t *Task) StartPart(ctx context.Context, site, stage string, total int) (int64, error) {
	part, err := t.engine.Part(ctx, t.RunID, site, stage)
	if err != nil {
		return 0, err
	}
	if err := t.engine.MarkPartRunning(ctx, part.ID, &total); err != nil {
		return 0, err
	}
	return part.ID, nil
}

func (t *Task) FinishPart(ctx context.Context, partID int64, status, note string) error {
	return t.engine.FinishPart(ctx, partID, RunStatus(status), note)
}
