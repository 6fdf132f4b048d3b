package am

// Config represents the scraperd configuration
type Config struct {
	Database  DatabaseConfig          `mapstructure:"database" toml:"database" yaml:"database"`
	Server    ServerConfig            `mapstructure:"server" toml:"server" yaml:"server"`
	Engine    EngineConfig            `mapstructure:"engine" toml:"engine" yaml:"engine"`
	Fetch     FetchConfig             `mapstructure:"fetch" toml:"fetch" yaml:"fetch"`
	Sources   map[string]SourceConfig `mapstructure:"sources" toml:"sources" yaml:"sources"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler" toml:"scheduler" yaml:"scheduler"`
	Log       LogConfig               `mapstructure:"log" toml:"log" yaml:"log"`
}

// DatabaseConfig selects the storage engine
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver" yaml:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn" toml:"dsn" yaml:"dsn"`          // file path for sqlite, connection string for postgres
}

// ServerConfig configures the run API server
type ServerConfig struct {
	Host           string   `mapstructure:"host" toml:"host" yaml:"host"`
	Port           int      `mapstructure:"port" toml:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" yaml:"allowed_origins"`
	APIBase        string   `mapstructure:"api_base" toml:"api_base" yaml:"api_base"` // base URL the scheduler and CLI call
}

// EngineConfig configures the execution engine
type EngineConfig struct {
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// FetchConfig holds worker defaults shared by every source
type FetchConfig struct {
	Concurrency       int     `mapstructure:"concurrency" toml:"concurrency" yaml:"concurrency"`
	Retries           int     `mapstructure:"retries" toml:"retries" yaml:"retries"` // attempts per target, >= 1
	BackoffMS         int     `mapstructure:"backoff_ms" toml:"backoff_ms" yaml:"backoff_ms"`
	MaxBackoffMS      int     `mapstructure:"max_backoff_ms" toml:"max_backoff_ms" yaml:"max_backoff_ms"`
	TimeoutMS         int     `mapstructure:"timeout_ms" toml:"timeout_ms" yaml:"timeout_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second" yaml:"requests_per_second"` // per host, 0 = unlimited
	Burst             int     `mapstructure:"burst" toml:"burst" yaml:"burst"`
	UserAgent         string  `mapstructure:"user_agent" toml:"user_agent" yaml:"user_agent"`
	Escalate          bool    `mapstructure:"escalate" toml:"escalate" yaml:"escalate"`
	RenderCommand     string  `mapstructure:"render_command" toml:"render_command" yaml:"render_command"` // e.g. chromium --headless=new --dump-dom {url}
	RenderWorkers     int     `mapstructure:"render_workers" toml:"render_workers" yaml:"render_workers"`
	BlockPrivateIPs   bool    `mapstructure:"block_private_ips" toml:"block_private_ips" yaml:"block_private_ips"`
}

// SourceConfig describes one catalog source
type SourceConfig struct {
	BaseURL     string          `mapstructure:"base_url" toml:"base_url" yaml:"base_url"`
	Referer     string          `mapstructure:"referer" toml:"referer" yaml:"referer"`
	Listings    []ListingConfig `mapstructure:"listings" toml:"listings" yaml:"listings"`
	LinkRules   []LinkRule      `mapstructure:"link_rules" toml:"link_rules" yaml:"link_rules"`
	PageParam   string          `mapstructure:"page_param" toml:"page_param" yaml:"page_param"`
	MaxPages    int             `mapstructure:"max_pages" toml:"max_pages" yaml:"max_pages"` // 0 = until a page adds nothing
	DelayMinMS  int             `mapstructure:"delay_min_ms" toml:"delay_min_ms" yaml:"delay_min_ms"`
	DelayMaxMS  int             `mapstructure:"delay_max_ms" toml:"delay_max_ms" yaml:"delay_max_ms"`
	DetailBatch int             `mapstructure:"detail_batch" toml:"detail_batch" yaml:"detail_batch"`
	Concurrency int             `mapstructure:"concurrency" toml:"concurrency" yaml:"concurrency"`
	Retries     int             `mapstructure:"retries" toml:"retries" yaml:"retries"`
	TimeoutMS   int             `mapstructure:"timeout_ms" toml:"timeout_ms" yaml:"timeout_ms"`
}

// ListingConfig is one listing page (or paginated listing) of a source
type ListingConfig struct {
	Name     string `mapstructure:"name" toml:"name" yaml:"name"`
	URL      string `mapstructure:"url" toml:"url" yaml:"url"`
	Type     string `mapstructure:"type" toml:"type" yaml:"type"`             // product type when no link rule assigns one
	Category string `mapstructure:"category" toml:"category" yaml:"category"` // category name stamped on collected items
}

// LinkRule marks hrefs containing Contains as product links of type Type
type LinkRule struct {
	Type     string `mapstructure:"type" toml:"type" yaml:"type"`
	Contains string `mapstructure:"contains" toml:"contains" yaml:"contains"`
}

// SchedulerConfig configures the daily pipeline trigger
type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Cron                string `mapstructure:"cron" toml:"cron" yaml:"cron"`
	Timezone            string `mapstructure:"timezone" toml:"timezone" yaml:"timezone"`
	MisfireGraceSeconds int    `mapstructure:"misfire_grace_seconds" toml:"misfire_grace_seconds" yaml:"misfire_grace_seconds"`
	PollSeconds         int    `mapstructure:"poll_seconds" toml:"poll_seconds" yaml:"poll_seconds"`
	CancelOverlaps      bool   `mapstructure:"cancel_overlaps" toml:"cancel_overlaps" yaml:"cancel_overlaps"`
	ExportURL           string `mapstructure:"export_url" toml:"export_url" yaml:"export_url"` // empty disables the export step
	Lock                string `mapstructure:"lock" toml:"lock" yaml:"lock"`                   // local or redis
	RedisAddr           string `mapstructure:"redis_addr" toml:"redis_addr" yaml:"redis_addr"`
	LockTTLSeconds      int    `mapstructure:"lock_ttl_seconds" toml:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json" yaml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity" yaml:"verbosity"`
}

// Source names known to the pipelines
const (
	SourceRebaid    = "rebaid"
	SourceRebatekey = "rebatekey"
	SourceMyvipon   = "myvipon"
)

// Server defaults
const (
	DefaultServerPort = 8000
	DefaultAPIBase    = "http://127.0.0.1:8000"
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
