package config

import (
	"reflect"
	"strings"

	logx "ghrelay/pkg/logx"
)

// Sections applied without a restart.
var liveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never tokens, webhooks, secrets or DSNs) and (3) the
// changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	o, n := oldCfg.GitHub, newCfg.GitHub
	if o.Username != n.Username || o.MaxEvents != n.MaxEvents || trim(o.APIBase) != trim(n.APIBase) ||
		trim(o.RequestTimeout) != trim(n.RequestTimeout) || trim(o.CacheTTL) != trim(n.CacheTTL) || o.Token != n.Token {
		changed = append(changed, "github")
		attrs = append(attrs,
			logx.String("github.username", n.Username),
			logx.Int("github.max_events", n.MaxEvents),
			logx.Bool("github.token_set", n.Token != ""),
			logx.Bool("github.token_changed", o.Token != n.Token),
		)
	}

	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.schedule", trim(newCfg.Poll.Schedule)),
			logx.String("poll.cycle_timeout", trim(newCfg.Poll.CycleTimeout)),
			logx.String("poll.timezone", trim(newCfg.Poll.Timezone)),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Int("notify.workers", newCfg.Notify.Workers),
			logx.Int("notify.max_attempts", newCfg.Notify.MaxAttempts),
			logx.Int("notify.rate_per_min", newCfg.Notify.RatePerMin),
			logx.Bool("notify.preserve_order", newCfg.Notify.PreserveOrder),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.dingtalk.enabled", newCfg.Channels.DingTalk.Enabled),
			logx.Int("channels.dingtalk.bots", len(newCfg.Channels.DingTalk.Bots)),
			logx.Bool("channels.feishu.enabled", newCfg.Channels.Feishu.Enabled),
			logx.Int("channels.feishu.bots", len(newCfg.Channels.Feishu.Bots)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.String("storage.path", trim(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", trim(newCfg.Storage.DSN) != ""),
			logx.String("storage.retention", trim(newCfg.Storage.Retention)),
			logx.String("storage.redis_sync", trim(newCfg.Storage.RedisSync)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", trim(newCfg.Metrics.Addr)),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
		attrs = append(attrs, logx.String("render.timezone", trim(newCfg.Render.Timezone)))
	}

	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func trim(s string) string { return strings.TrimSpace(s) }
