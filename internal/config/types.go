package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	GitHub   GitHubConfig   `json:"github"`
	Poll     PollConfig     `json:"poll"`
	Notify   NotifyConfig   `json:"notify"`
	Channels ChannelsConfig `json:"channels"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Render   RenderConfig   `json:"render,omitempty"`
}

// GitHubConfig selects the feed to poll.
//
// Defaults:
//   - max_events: 30
//   - api_base: "https://api.github.com"
//   - request_timeout: "10s"
type GitHubConfig struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"` // do not log
	// MaxEvents is both the feed page size and the per-cycle delivery cap.
	MaxEvents      int    `json:"max_events,omitempty"`
	APIBase        string `json:"api_base,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	// CacheTTL bounds how long repository and avatar lookups are reused. Default "1h".
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// PollConfig controls the poll trigger.
//
// Schedule accepts an interval ("60s", "@every 1m"), a 5-field cron
// expression ("*/5 * * * *") or an "HH:MM" interval. Default "60s".
type PollConfig struct {
	Schedule     string `json:"schedule,omitempty"`
	CycleTimeout string `json:"cycle_timeout,omitempty"` // default "2m"
	Timezone     string `json:"timezone,omitempty"`      // cron timezone, default Local
}

// NotifyConfig controls delivery.
//
// Defaults:
//   - workers: 4 (concurrent deliveries per webhook)
//   - max_attempts: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - request_timeout: "10s"
//   - rate_per_min: 20 (per webhook, -1 disables)
type NotifyConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	RatePerMin     int    `json:"rate_per_min,omitempty"`
	PreserveOrder  bool   `json:"preserve_order,omitempty"`
}

type ChannelsConfig struct {
	DingTalk ChannelConfig `json:"dingtalk"`
	Feishu   ChannelConfig `json:"feishu"`
}

type ChannelConfig struct {
	Enabled bool        `json:"enabled"`
	Bots    []BotConfig `json:"bots"`
}

// BotConfig is one group-bot webhook. Webhook and Secret are never logged.
type BotConfig struct {
	Name    string `json:"name"`
	Webhook string `json:"webhook"`
	Secret  string `json:"secret,omitempty"`
}

// StorageConfig selects the dedup store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ghrelay.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file | postgres | redis
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres / redis URL; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// Retention drops records older than this once a day. "0s" or empty keeps everything.
	Retention string `json:"retention,omitempty"`
	// RedisSync is "aof" (default) or "none". With "aof" every mark waits for
	// WAITAOF, so the redis server needs Redis 7.2+ and appendonly yes.
	RedisSync string `json:"redis_sync,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MetricsConfig controls the diagnostics HTTP server (/metrics, /healthz, optional pprof).
//
// Prefer binding to localhost (default "127.0.0.1:9310").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type RenderConfig struct {
	// Timezone for message timestamps (IANA name). Default UTC.
	Timezone string `json:"timezone,omitempty"`
}
