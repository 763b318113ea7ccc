package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ghrelay/internal/channel"
)

const validSecret = "SEC0123456789abcdef"

func validConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{Username: "octocat", MaxEvents: 30},
		Channels: ChannelsConfig{
			DingTalk: ChannelConfig{Enabled: true, Bots: []BotConfig{
				{Name: "ops", Webhook: "https://oapi.dingtalk.com/robot/send?access_token=x", Secret: validSecret},
			}},
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/ghrelay.db"},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing username", func(c *Config) { c.GitHub.Username = " " }, "github.username"},
		{"max events", func(c *Config) { c.GitHub.MaxEvents = 101 }, "github.max_events"},
		{"bad duration", func(c *Config) { c.Notify.RetryBase = "soon" }, "notify.retry_base"},
		{"negative duration", func(c *Config) { c.Poll.CycleTimeout = "-1s" }, "poll.cycle_timeout"},
		{"bad timezone", func(c *Config) { c.Render.Timezone = "Mars/Olympus" }, "render.timezone"},
		{"no bots", func(c *Config) { c.Channels.DingTalk.Enabled = false }, "channels"},
		{"bad webhook", func(c *Config) { c.Channels.DingTalk.Bots[0].Webhook = "ftp://x" }, "channels.dingtalk.bots[0]"},
		{"secret without prefix", func(c *Config) { c.Channels.DingTalk.Bots[0].Secret = "abc" }, "channels.dingtalk.bots[0]"},
		{"duplicate names", func(c *Config) {
			c.Channels.DingTalk.Bots = append(c.Channels.DingTalk.Bots, c.Channels.DingTalk.Bots[0])
		}, "channels.dingtalk.bots[1].name"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without dsn", func(c *Config) { c.Storage.Driver = "redis" }, "storage.dsn"},
		{"bad redis sync", func(c *Config) { c.Storage.RedisSync = "always" }, "storage.redis_sync"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file sink without path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error for %s", tc.field)
			}
			if !IsConfigError(err) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if !strings.Contains(err.Error(), "config "+tc.field+":") {
				t.Fatalf("error %q does not name %s", err, tc.field)
			}
		})
	}
}

func TestValidateDisabledChannelIgnored(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Feishu = ChannelConfig{Enabled: false, Bots: []BotConfig{{Webhook: "not a url"}}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled channel should not be validated: %v", err)
	}
}

func TestEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Feishu = ChannelConfig{Enabled: true, Bots: []BotConfig{
		{Webhook: " https://open.feishu.cn/open-apis/bot/v2/hook/a "},
		{Name: "b", Webhook: "https://open.feishu.cn/open-apis/bot/v2/hook/b", Secret: "s"},
	}}

	eps := cfg.Endpoints()
	if len(eps[channel.DingTalk]) != 1 || len(eps[channel.Feishu]) != 2 {
		t.Fatalf("unexpected endpoints: %+v", eps)
	}
	first := eps[channel.Feishu][0]
	if first.Name != "feishu-1" {
		t.Fatalf("unnamed bot should get a positional name, got %q", first.Name)
	}
	if first.WebhookURL != "https://open.feishu.cn/open-apis/bot/v2/hook/a" {
		t.Fatalf("webhook not trimmed: %q", first.WebhookURL)
	}

	cfg.Channels.DingTalk.Enabled = false
	if _, ok := cfg.Endpoints()[channel.DingTalk]; ok {
		t.Fatalf("disabled channel should have no endpoints")
	}
}

func TestDecode(t *testing.T) {
	yml := `
github:
  username: octocat
channels:
  feishu:
    enabled: true
    bots:
      - name: team
        webhook: https://open.feishu.cn/open-apis/bot/v2/hook/x
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
`
	cfg, err := Decode("ghrelay.yaml", []byte(yml))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if cfg.GitHub.Username != "octocat" || cfg.Channels.Feishu.Bots[0].Name != "team" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	cases := []struct {
		name string
		path string
		body string
	}{
		{"unknown json key", "c.json", `{"github":{"username":"a","tokn":"x"}}`},
		{"unknown yaml key", "c.yml", "github:\n  user: a\n"},
		{"trailing json", "c.json", `{"github":{"username":"a"}} {}`},
		{"broken yaml", "c.yaml", "github: [\n"},
		{"two yaml documents", "c.yaml", "github:\n  username: a\n---\ngithub:\n  username: b\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !IsConfigError(err) {
				t.Fatalf("expected *Error, got %T", err)
			}
		})
	}
}

func TestLoadRunsValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghrelay.json")
	if err := os.WriteFile(path, []byte(`{"github":{"username":"octocat"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	boom := errors.New("rejected")
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return boom })
	if _, err := m.Load(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected validator error, got %v", err)
	}
	if m.Get() != nil {
		t.Fatalf("rejected config must not be committed")
	}

	m.SetValidator(nil)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("loaded config not committed")
	}
}

func TestLoadMissingFile(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := m.Load(context.Background())
	var ce *Error
	if !errors.As(err, &ce) || ce.Field != "file" {
		t.Fatalf("expected file error, got %v", err)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghrelay.json")
	write := func(level string) {
		t.Helper()
		body := `{"github":{"username":"octocat"},"logging":{"level":"` + level + `","console":true,"file":{"enabled":false,"path":""}}}`
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		write("debug")
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("unexpected level %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestPublishLatestWins(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("slow subscriber should see the latest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Logging.Level = "debug"
	newCfg.Channels.DingTalk.Bots[0].Secret = "SECrotated"
	newCfg.GitHub.Token = "ghp_secret"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"github": true, "channels": true, "logging": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, s := range changed {
		if !want[s] {
			t.Fatalf("unexpected section %q", s)
		}
	}
	for _, s := range restart {
		if s == "logging" {
			t.Fatalf("logging applies live, got restart list %v", restart)
		}
	}
	if len(restart) != 2 {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	if c, _, r := SummarizeConfigChange(oldCfg, validConfig()); len(c) != 0 || len(r) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", c, r)
	}
}

func TestWatchRetryDelayBounded(t *testing.T) {
	for n := range 40 {
		d := watchRetryDelay(n)
		if d < watchRetryBase || d > watchRetryMax+watchRetryMax/2 {
			t.Fatalf("watchRetryDelay(%d) = %v", n, d)
		}
	}
	if d := watchRetryDelay(0); d > watchRetryBase+watchRetryBase/2 {
		t.Fatalf("first retry too long: %v", d)
	}
}

func TestDebouncerCollapsesTriggers(t *testing.T) {
	fired := make(chan struct{}, 10)
	d := newDebouncer(20*time.Millisecond, func() { fired <- struct{}{} })
	defer d.stop()
	for range 5 {
		d.trigger()
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never fired")
	}
	select {
	case <-fired:
		t.Fatal("debouncer fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  90s ", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseDurationField("notify.retry_base", tc.raw)
			if tc.wantErr {
				var ce *Error
				if !errors.As(err, &ce) || ce.Field != "notify.retry_base" {
					t.Fatalf("err = %v, want *Error on notify.retry_base", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %v, %v; want %v", got, err, tc.want)
			}
		})
	}

	d, err := ParseDurationOrDefault("poll.cycle_timeout", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
