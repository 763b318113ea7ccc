package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"ghrelay/internal/config"
	"ghrelay/internal/dispatch"
	"ghrelay/internal/feed"
	"ghrelay/internal/metrics"
	"ghrelay/internal/notifier"
	"ghrelay/internal/poller"
	"ghrelay/internal/storage"
	logx "ghrelay/pkg/logx"
)

const (
	defaultDataPath     = "./data/ghrelay.db"
	defaultBusyTimeout  = 5 * time.Second
	defaultCycleTimeout = 2 * time.Minute
)

// validate is the full startup and hot-reload check. The schedule grammar
// belongs to the poller, so it is checked here rather than in config.
func validate(_ context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if cfg == nil {
		return err
	}
	if _, serr := poller.ParseSchedule(cfg.Poll.Schedule); serr != nil {
		err = errors.Join(err, &config.Error{Field: "poll.schedule", Err: serr})
	}
	return err
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && (driver == "sqlite" || driver == "sqlite3" || driver == "file") {
		path = defaultDataPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         path,
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		// validate already restricted redis_sync to "", "aof" or "none"
		RedisWaitAOF: !strings.EqualFold(strings.TrimSpace(sc.RedisSync), "none"),
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	n := cfg.Notify
	base, err := config.ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	reqTimeout, err := config.ParseDurationField("notify.request_timeout", n.RequestTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	// zero values take the dispatcher defaults
	return dispatch.Config{
		MaxAttempts:    n.MaxAttempts,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		RequestTimeout: reqTimeout,
		RatePerMin:     n.RatePerMin,
	}, nil
}

// mapNotifierConfig leaves CycleTimeout zero: the poller owns the cycle
// deadline so it also covers the fetch.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	maxEvents := cfg.GitHub.MaxEvents
	if maxEvents <= 0 {
		maxEvents = feed.DefaultMaxEvents
	}
	return notifier.Config{
		Workers:       cfg.Notify.Workers,
		MaxEvents:     maxEvents,
		PreserveOrder: cfg.Notify.PreserveOrder,
	}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	g := cfg.GitHub
	reqTimeout, err := config.ParseDurationField("github.request_timeout", g.RequestTimeout)
	if err != nil {
		return feed.Config{}, err
	}
	ttl, err := config.ParseDurationField("github.cache_ttl", g.CacheTTL)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{
		Username:       strings.TrimSpace(g.Username),
		Token:          strings.TrimSpace(g.Token),
		MaxEvents:      g.MaxEvents,
		APIBase:        g.APIBase,
		RequestTimeout: reqTimeout,
		CacheTTL:       ttl,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	sched, err := poller.ParseSchedule(cfg.Poll.Schedule)
	if err != nil {
		return poller.Config{}, &config.Error{Field: "poll.schedule", Err: err}
	}
	loc, err := config.LoadLocation(cfg.Poll.Timezone, time.Local)
	if err != nil {
		return poller.Config{}, &config.Error{Field: "poll.timezone", Err: err}
	}
	retention, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return poller.Config{}, err
	}
	cycle, err := config.ParseDurationOrDefault("poll.cycle_timeout", cfg.Poll.CycleTimeout, defaultCycleTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Schedule: sched, Location: loc, Retention: retention, CycleTimeout: cycle}, nil
}

func mapServerConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Addr:  strings.TrimSpace(cfg.Metrics.Addr),
		Pprof: cfg.Metrics.Pprof,
	}
}
