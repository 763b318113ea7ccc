package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/storage"
	logx "ghrelay/pkg/logx"
)

// Validate checks cfg and returns every problem found, each as an *Error.
// The poll schedule is checked by the poller, which owns its grammar.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &Error{Err: errors.New("config is nil")}
	}
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, Errorf(field, format, args...))
	}
	dur := func(field, raw string) {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.GitHub.Username) == "" {
		add("github.username", "is required")
	}
	if cfg.GitHub.MaxEvents < 0 || cfg.GitHub.MaxEvents > 100 {
		add("github.max_events", "must be between 0 (default) and 100, got %d", cfg.GitHub.MaxEvents)
	}
	dur("github.request_timeout", cfg.GitHub.RequestTimeout)
	dur("github.cache_ttl", cfg.GitHub.CacheTTL)

	dur("poll.cycle_timeout", cfg.Poll.CycleTimeout)
	if _, err := LoadLocation(cfg.Poll.Timezone, time.Local); err != nil {
		add("poll.timezone", "%v", err)
	}

	if cfg.Notify.Workers < 0 {
		add("notify.workers", "must be >= 0")
	}
	if cfg.Notify.MaxAttempts < 0 {
		add("notify.max_attempts", "must be >= 0")
	}
	dur("notify.retry_base", cfg.Notify.RetryBase)
	dur("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	dur("notify.request_timeout", cfg.Notify.RequestTimeout)

	enabled := 0
	for _, ch := range channel.All() {
		cc := cfg.Channels.Get(ch)
		if !cc.Enabled {
			continue
		}
		names := map[string]bool{}
		for i, b := range cc.Bots {
			field := fmt.Sprintf("channels.%s.bots[%d]", ch, i)
			ep := BotEndpoint(ch, i, b)
			if names[ep.Name] {
				add(field+".name", "duplicate bot name %q", ep.Name)
			}
			names[ep.Name] = true
			if err := channel.CheckEndpoint(ep); err != nil {
				errs = append(errs, &Error{Field: field, Err: err})
				continue
			}
			enabled++
		}
	}
	if enabled == 0 && len(errs) == 0 {
		add("channels", "no enabled bot; enable dingtalk or feishu with at least one bot")
	}

	if !storage.KnownDriver(cfg.Storage.Driver) {
		add("storage.driver", "unknown driver %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pg", "redis":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn", "is required for driver %s", cfg.Storage.Driver)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.RedisSync)) {
	case "", "aof", "none":
	default:
		add("storage.redis_sync", "must be aof or none, got %q", cfg.Storage.RedisSync)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.retention", cfg.Storage.Retention)

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level", "unknown level %q", lv)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path", "is required when file logging is enabled")
	}
	if _, err := LoadLocation(cfg.Render.Timezone, time.UTC); err != nil {
		add("render.timezone", "%v", err)
	}
	return errors.Join(errs...)
}

// Get returns the section for ch.
func (c ChannelsConfig) Get(ch channel.Type) ChannelConfig {
	switch ch {
	case channel.DingTalk:
		return c.DingTalk
	case channel.Feishu:
		return c.Feishu
	}
	return ChannelConfig{}
}

// BotEndpoint converts a bot entry; unnamed bots are called "<channel>-<index>".
func BotEndpoint(ch channel.Type, idx int, b BotConfig) channel.Endpoint {
	name := strings.TrimSpace(b.Name)
	if name == "" {
		name = fmt.Sprintf("%s-%d", ch, idx+1)
	}
	return channel.Endpoint{
		Channel:    ch,
		Name:       name,
		WebhookURL: strings.TrimSpace(b.Webhook),
		Secret:     b.Secret,
	}
}

// Endpoints returns the bots of every enabled channel.
func (c *Config) Endpoints() map[channel.Type][]channel.Endpoint {
	out := map[channel.Type][]channel.Endpoint{}
	for _, ch := range channel.All() {
		cc := c.Channels.Get(ch)
		if !cc.Enabled {
			continue
		}
		for i, b := range cc.Bots {
			out[ch] = append(out[ch], BotEndpoint(ch, i, b))
		}
	}
	return out
}

// LoadLocation resolves an IANA zone name; empty returns def.
func LoadLocation(name string, def *time.Location) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return def, nil
	}
	return time.LoadLocation(name)
}
