package am

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Validate checks that the configuration is usable. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, errors.Newf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn cannot be empty"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port))
	}

	if c.Fetch.Concurrency < 1 {
		errs = append(errs, errors.Newf("fetch.concurrency must be >= 1, got %d", c.Fetch.Concurrency))
	}
	if c.Fetch.Retries < 1 {
		errs = append(errs, errors.Newf("fetch.retries must be >= 1, got %d", c.Fetch.Retries))
	}
	if c.Fetch.TimeoutMS <= 0 {
		errs = append(errs, errors.Newf("fetch.timeout_ms must be > 0, got %d", c.Fetch.TimeoutMS))
	}
	if c.Fetch.RequestsPerSecond < 0 {
		errs = append(errs, errors.Newf("fetch.requests_per_second must be >= 0, got %f", c.Fetch.RequestsPerSecond))
	}

	for name, src := range c.Sources {
		if len(src.Listings) == 0 {
			errs = append(errs, errors.Newf("sources.%s.listings cannot be empty", name))
		}
		if src.DelayMaxMS < src.DelayMinMS {
			errs = append(errs, errors.Newf("sources.%s.delay_max_ms must be >= delay_min_ms", name))
		}
		if src.DetailBatch < 0 {
			errs = append(errs, errors.Newf("sources.%s.detail_batch must be >= 0, got %d", name, src.DetailBatch))
		}
	}

	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			errs = append(errs, errors.Wrapf(err, "scheduler.cron %q", c.Scheduler.Cron))
		}
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, errors.Wrapf(err, "scheduler.timezone %q", c.Scheduler.Timezone))
		}
		if c.Scheduler.PollSeconds <= 0 {
			errs = append(errs, errors.Newf("scheduler.poll_seconds must be > 0, got %d", c.Scheduler.PollSeconds))
		}
		switch c.Scheduler.Lock {
		case "local":
		case "redis":
			if c.Scheduler.RedisAddr == "" {
				errs = append(errs, errors.New("scheduler.redis_addr cannot be empty when lock = redis"))
			}
		default:
			errs = append(errs, errors.Newf("scheduler.lock must be local or redis, got %q", c.Scheduler.Lock))
		}
	}

	return errors.Join(errs...)
}

// Source returns the named source config and whether it exists
func (c *Config) Source(name string) (SourceConfig, bool) {
	src, ok := c.Sources[name]
	return src, ok
}
