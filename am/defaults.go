package am

import (
	"github.com/spf13/viper"
)

// Browser-like UA used by the lightweight fetcher
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "scraper.db")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.api_base", DefaultAPIBase)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	})

	v.SetDefault("engine.shutdown_timeout_seconds", 30)

	// Fetch worker defaults
	v.SetDefault("fetch.concurrency", 16)
	v.SetDefault("fetch.retries", 3)
	v.SetDefault("fetch.backoff_ms", 500)
	v.SetDefault("fetch.max_backoff_ms", 8000)
	v.SetDefault("fetch.timeout_ms", 12000)
	v.SetDefault("fetch.requests_per_second", 4.0)
	v.SetDefault("fetch.burst", 4)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.escalate", true)
	v.SetDefault("fetch.render_command", "")
	v.SetDefault("fetch.render_workers", 2)
	v.SetDefault("fetch.block_private_ips", true)

	setSourceDefaults(v)

	// Scheduler defaults: daily at 22:00, one hour misfire grace
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.cron", "0 22 * * *")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.misfire_grace_seconds", 3600)
	v.SetDefault("scheduler.poll_seconds", 3)
	v.SetDefault("scheduler.cancel_overlaps", false)
	v.SetDefault("scheduler.export_url", "")
	v.SetDefault("scheduler.lock", "local")
	v.SetDefault("scheduler.redis_addr", "127.0.0.1:6379")
	v.SetDefault("scheduler.lock_ttl_seconds", 6*3600)

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}

func setSourceDefaults(v *viper.Viper) {
	// rebaid: one listing, product type decided by the detail path
	v.SetDefault("sources.rebaid.base_url", "https://rebaid.com")
	v.SetDefault("sources.rebaid.referer", "https://rebaid.com/")
	v.SetDefault("sources.rebaid.page_param", "page")
	v.SetDefault("sources.rebaid.max_pages", 0)
	v.SetDefault("sources.rebaid.delay_min_ms", 150)
	v.SetDefault("sources.rebaid.delay_max_ms", 450)
	v.SetDefault("sources.rebaid.detail_batch", 20)
	v.SetDefault("sources.rebaid.concurrency", 8)
	v.SetDefault("sources.rebaid.retries", 3)
	v.SetDefault("sources.rebaid.timeout_ms", 12000)
	v.SetDefault("sources.rebaid.listings", []map[string]interface{}{
		{"name": "all", "url": "https://rebaid.com/"},
	})
	v.SetDefault("sources.rebaid.link_rules", []map[string]interface{}{
		{"type": "codes", "contains": "/discount_detail/"},
		{"type": "cashback", "contains": "/product_detail/"},
		{"type": "buyonrebaid", "contains": "/rebaid-product-detail/"},
	})

	// rebatekey: two listings, type follows the listing
	v.SetDefault("sources.rebatekey.base_url", "https://rebatekey.com")
	v.SetDefault("sources.rebatekey.referer", "https://rebatekey.com/")
	v.SetDefault("sources.rebatekey.page_param", "page")
	v.SetDefault("sources.rebatekey.max_pages", 0)
	v.SetDefault("sources.rebatekey.detail_batch", 25)
	v.SetDefault("sources.rebatekey.concurrency", 12)
	v.SetDefault("sources.rebatekey.retries", 2)
	v.SetDefault("sources.rebatekey.timeout_ms", 20000)
	v.SetDefault("sources.rebatekey.listings", []map[string]interface{}{
		{"name": "rebates", "url": "https://rebatekey.com/rebates", "type": "rebate"},
		{"name": "coupons", "url": "https://rebatekey.com/coupons", "type": "coupon"},
	})
	v.SetDefault("sources.rebatekey.link_rules", []map[string]interface{}{
		{"type": "rebate", "contains": "/rebates/"},
		{"type": "coupon", "contains": "/coupons/"},
	})

	// myvipon: per-category listings
	v.SetDefault("sources.myvipon.base_url", "https://www.myvipon.com")
	v.SetDefault("sources.myvipon.referer", "https://www.myvipon.com/")
	v.SetDefault("sources.myvipon.page_param", "page")
	v.SetDefault("sources.myvipon.max_pages", 0)
	v.SetDefault("sources.myvipon.detail_batch", 24)
	v.SetDefault("sources.myvipon.concurrency", 6)
	v.SetDefault("sources.myvipon.retries", 3)
	v.SetDefault("sources.myvipon.timeout_ms", 30000)
	v.SetDefault("sources.myvipon.listings", []map[string]interface{}{
		{"name": "electronics", "url": "https://www.myvipon.com/category/electronics", "category": "Electronics"},
		{"name": "home-kitchen", "url": "https://www.myvipon.com/category/home-kitchen", "category": "Home & Kitchen"},
		{"name": "beauty", "url": "https://www.myvipon.com/category/beauty", "category": "Beauty"},
	})
	v.SetDefault("sources.myvipon.link_rules", []map[string]interface{}{
		{"type": "", "contains": "/product/"},
	})
}

// BindSensitiveEnvVars binds credentials that should not live in config files
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "SCRAPERD_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("scheduler.redis_addr", "SCRAPERD_REDIS_ADDR")
}
