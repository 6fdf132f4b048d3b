// Package schedule fires the daily pipeline from a cron expression and
// drives it through the run API.
//
// The Ticker follows three rules on every fire:
//
//	coalesce       missed fire times collapse into the latest one
//	misfire grace  a fire noticed later than grace after its time is dropped
//	one instance   a fire while the previous pass holds the Lock is skipped
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

// DefaultMisfireGrace is the grace used when none is configured
const DefaultMisfireGrace = time.Hour

// Triggerer runs one pipeline pass
type Triggerer interface {
	Trigger(ctx context.Context, trigger string) (*Execution, error)
}

// TickerConfig configures a Ticker
type TickerConfig struct {
	Cron         string // standard five-field expression or descriptor such as @daily
	Location     *time.Location
	MisfireGrace time.Duration
}

// TickerConfigFrom builds a TickerConfig from the scheduler section
func TickerConfigFrom(cfg am.SchedulerConfig) (TickerConfig, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return TickerConfig{}, errors.Wrapf(err, "invalid timezone %q", cfg.Timezone)
		}
		loc = l
	}
	return TickerConfig{
		Cron:         cfg.Cron,
		Location:     loc,
		MisfireGrace: time.Duration(cfg.MisfireGraceSeconds) * time.Second,
	}, nil
}

// Ticker fires a Triggerer on a cron schedule
type Ticker struct {
	schedule cron.Schedule
	loc      *time.Location
	grace    time.Duration
	target   Triggerer

	// clock, swapped in tests
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu       sync.Mutex
	next     time.Time
	lastFire time.Time
	fired    int64
	skipped  int64
}

// NewTicker parses the schedule. The ticker stops when ctx is done or Stop
// is called.
func NewTicker(ctx context.Context, cfg TickerConfig, target Triggerer, log *zap.SugaredLogger) (*Ticker, error) {
	sched, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", cfg.Cron)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	grace := cfg.MisfireGrace
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		schedule: sched,
		loc:      loc,
		grace:    grace,
		target:   target,
		now:      time.Now,
		after:    time.After,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   logger.Nop(log).With(logger.FieldComponent, "ticker"),
	}, nil
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler started", "next_run", t.nextAfter(t.now()), "location", t.loc.String())
}

// Stop cancels the loop and any pass it started, and waits for them
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler stopped")
}

// Stats is a snapshot of the ticker state
type Stats struct {
	NextRun  time.Time `json:"next_run"`
	LastFire time.Time `json:"last_fire,omitempty"`
	Fired    int64     `json:"fired"`
	Skipped  int64     `json:"skipped"`
}

// GetStats returns the ticker state
func (t *Ticker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{NextRun: t.next, LastFire: t.lastFire, Fired: t.fired, Skipped: t.skipped}
}

func (t *Ticker) nextAfter(ts time.Time) time.Time {
	return t.schedule.Next(ts.In(t.loc))
}

func (t *Ticker) run() {
	defer t.wg.Done()

	next := t.nextAfter(t.now())
	for {
		t.mu.Lock()
		t.next = next
		t.mu.Unlock()

		select {
		case <-t.ctx.Done():
			return
		case <-t.after(next.Sub(t.now())):
		}
		next = t.handle(t.ctx, next, t.now())
	}
}

// handle processes a wake-up for the fire time due at now and returns the
// next fire time
func (t *Ticker) handle(ctx context.Context, due, now time.Time) time.Time {
	if now.Before(due) {
		// early wake-up
		return due
	}
	fire, missed := t.coalesce(due, now)
	following := t.nextAfter(now)
	if missed > 0 {
		t.logger.Infow("Coalesced missed fire times", "missed", missed, "fire_time", fire)
	}

	if late := now.Sub(fire); late > t.grace {
		t.logger.Warnw("Fire time missed beyond grace, skipping",
			"fire_time", fire, "late", late.String(), "grace", t.grace.String())
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		return following
	}

	t.mu.Lock()
	t.lastFire = fire
	t.fired++
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		exec, err := t.target.Trigger(ctx, TriggerCron)
		switch {
		case errors.Is(err, errors.ErrConflict):
			t.mu.Lock()
			t.skipped++
			t.mu.Unlock()
			t.logger.Warnw("Scheduled pass skipped, previous pass still running", "fire_time", fire)
		case err != nil:
			t.logger.Errorw("Scheduled pass failed", "fire_time", fire, logger.FieldError, err)
		default:
			t.logger.Infow("Scheduled pass finished", "fire_time", fire, logger.FieldStatus, exec.Status)
		}
	}()
	return following
}

// coalesce returns the latest fire time at or before now, starting from
// due, and how many earlier fire times it absorbed
func (t *Ticker) coalesce(due, now time.Time) (time.Time, int) {
	fire, missed := due, 0
	for n := t.schedule.Next(fire); !n.After(now); n = t.schedule.Next(n) {
		fire = n
		missed++
	}
	return fire, missed
}
