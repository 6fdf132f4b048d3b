package commands

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pipeline"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
	"github.com/4liaghaie/scraper-dashboard/pulse/schedule"
	"github.com/4liaghaie/scraper-dashboard/sources"
)

// defaultShutdownTimeout applies when engine.shutdown_timeout_seconds is unset
const defaultShutdownTimeout = 30 * time.Second

// openDatabase opens the configured database and applies migrations
func openDatabase(cfg *am.Config) (*db.DB, error) {
	d, err := db.OpenWithMigrations(cfg.Database.Driver, cfg.Database.DSN, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", cfg.Database.Driver)
	}
	return d, nil
}

// app is the run engine wired to the catalog and the configured sources
type app struct {
	db       *db.DB
	catalog  *catalog.Store
	engine   *async.Engine
	registry *async.Registry
}

func buildApp(cfg *am.Config) (*app, error) {
	d, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	set, err := sources.Build(cfg, logger.ComponentLogger("sources"))
	if err != nil {
		d.Close()
		return nil, errors.Wrap(err, "failed to build sources")
	}

	store := catalog.NewStore(d)
	persister := catalog.NewPersister(store, logger.ComponentLogger("catalog"))

	registry := async.NewRegistry()
	pipeline.New(set, store, persister, logger.ComponentLogger("pipeline")).Register(registry)

	engine := async.NewEngine(async.NewStore(d), registry, async.NewBroker(), logger.ComponentLogger("engine"))
	return &app{db: d, catalog: store, engine: engine, registry: registry}, nil
}

// close stops live runs and closes the database
func (a *app) close(ctx context.Context) error {
	err := a.engine.Shutdown(ctx)
	if cerr := a.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func shutdownTimeout(cfg *am.Config) time.Duration {
	if cfg.Engine.ShutdownTimeoutSeconds > 0 {
		return time.Duration(cfg.Engine.ShutdownTimeoutSeconds) * time.Second
	}
	return defaultShutdownTimeout
}

// scheduler is the daily pipeline and the ticker firing it
type scheduler struct {
	pipeline *schedule.DailyPipeline
	ticker   *schedule.Ticker
	closers  []func() error
}

// buildScheduler wires the daily pipeline against cfg.Server.APIBase. execs
// may be nil. The ticker is created but not started.
func buildScheduler(ctx context.Context, cfg *am.Config, execs *schedule.ExecutionStore, log *zap.SugaredLogger) (*scheduler, error) {
	s := &scheduler{}

	lock, err := buildLock(ctx, cfg.Scheduler, s)
	if err != nil {
		return nil, err
	}

	client := schedule.NewClient(cfg.Server.APIBase, time.Duration(cfg.Scheduler.PollSeconds)*time.Second, log)
	s.pipeline = schedule.NewDailyPipeline(client, lock, execs, schedule.DailyConfig{
		CancelOverlaps: cfg.Scheduler.CancelOverlaps,
		ExportURL:      cfg.Scheduler.ExportURL,
	}, log)

	tcfg, err := schedule.TickerConfigFrom(cfg.Scheduler)
	if err != nil {
		s.close()
		return nil, err
	}
	s.ticker, err = schedule.NewTicker(ctx, tcfg, s.pipeline, log)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// buildLock picks the pass lock. A redis lock keeps passes exclusive across
// every scheduler sharing the redis instance.
func buildLock(ctx context.Context, cfg am.SchedulerConfig, s *scheduler) (schedule.Lock, error) {
	if cfg.Lock != "redis" {
		return schedule.NewLocalLock(), nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.WithHint(
			errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "redis at %s is unreachable", cfg.RedisAddr),
			"set scheduler.lock = \"local\" to run without redis")
	}
	s.closers = append(s.closers, rdb.Close)
	return schedule.NewRedisLock(rdb, schedule.DefaultLockKey, time.Duration(cfg.LockTTLSeconds)*time.Second), nil
}

// stop stops the ticker, waits for run-now passes and releases the lock backend
func (s *scheduler) stop() {
	s.ticker.Stop()
	s.pipeline.Wait()
	s.close()
}

func (s *scheduler) close() {
	for _, c := range s.closers {
		_ = c()
	}
	s.closers = nil
}
