package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	logx "briefbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
  group_log: "-1001234"
logging:
  level: info
  console: true
briefing:
  enabled: false
  default_timezone: Asia/Shanghai
  tick: 30s
  retry_attempts: 4
  workdays: MON-FRI
  holidays: [2026-10-01, 2026-10-02]
  extra_workdays:
    - 2026-10-11
storage:
  driver: sqlite
  path: ./briefbot.db
  busy_timeout: 5s
`

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.GroupLog != "-1001234" {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	b := cfg.Briefing
	if b.IsEnabled() || b.RetryAttempts != 4 || len(b.Holidays) != 2 || b.Holidays[0] != "2026-10-01" || b.ExtraWorkdays[0] != "2026-10-11" {
		t.Fatalf("briefing=%+v", b)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	d, err := b.Durations()
	if err != nil || d.Tick != 30*time.Second || d.FetchTimeout != 0 {
		t.Fatalf("durations=%+v err=%v", d, err)
	}
}

func TestParseBytesJSONAndDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("config.json", []byte(`{"telegram":{"token":"x"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Briefing.IsEnabled() {
		t.Fatalf("briefing should default to enabled")
	}
	if cfg.Storage != nil {
		t.Fatalf("storage should be omitted")
	}

	empty, err := ParseBytes("config.yml", nil)
	if err != nil || empty == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", empty, err)
	}
}

func TestParseBytesRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, file, body, want string
	}{
		{"unknown json key", "c.json", `{"telegram":{"tokn":"x"}}`, "unknown field"},
		{"unknown yaml key", "c.yaml", "briefing:\n  api: x\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "unexpected data after"},
		{"bad yaml", "c.yaml", "a: [1,\n", "yaml config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBytes(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mod  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad poll", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "@chan" }, "telegram.group_log"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file without path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
		{"bad url", func(c *Config) { c.Briefing.APIURL = "ftp://x" }, "briefing.api_url"},
		{"bad tz", func(c *Config) { c.Briefing.DefaultTimezone = "Mars/Base" }, "briefing.default_timezone"},
		{"negative tick", func(c *Config) { c.Briefing.Tick = "-1s" }, "briefing.tick"},
		{"retry range", func(c *Config) { c.Briefing.RetryAttempts = 50 }, "briefing.retry_attempts"},
		{"bad holiday", func(c *Config) { c.Briefing.Holidays = []string{"10/01"} }, "briefing.holidays"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"file needs path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Telegram: TelegramConfig{Token: "x"}}
			tc.mod(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-1"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "secret-2"},
		Briefing: BriefingConfig{Tick: "30s"},
		Storage:  &StorageConfig{Driver: "file", Path: "./s"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "briefing,storage,telegram" {
		t.Fatalf("changed=%v", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), "token_changed") {
		t.Fatalf("attrs=%s", buf.String())
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestManagerReloadPublishes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("briefing:\n  tick: 30s\n")

	m := NewManager(path, logx.Nop())
	m.SetOverlay(func(c *Config) { c.Telegram.Token = "from-env" })
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("overlay not applied")
	}

	sub := m.Subscribe(1)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload ok=%v err=%v", ok, err)
	}

	write("briefing:\n  tick: nope\n")
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid reload ok=%v err=%v", ok, err)
	}

	m.SetValidator(func(context.Context, *Config) error { return nil })
	write("briefing:\n  tick: 45s\n")
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("reload ok=%v err=%v", ok, err)
	}
	select {
	case got := <-sub:
		if got.Briefing.Tick != "45s" || m.Get() != got {
			t.Fatalf("published=%+v", got.Briefing)
		}
	default:
		t.Fatalf("no config published")
	}

	m.Unsubscribe(sub)
	if _, open := <-sub; open {
		t.Fatalf("subscriber channel not closed")
	}
}

func TestManagerWatchPicksUpWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"briefing":{"tick":"10s"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for i := 20; ; i++ {
		// Rewrite with fresh content until the watcher, which may still be
		// starting, sees a change.
		body := `{"briefing":{"tick":"` + strconv.Itoa(i) + `s"}}`
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case got := <-sub:
			if got.Briefing.Tick == "10s" {
				t.Fatalf("tick=%q", got.Briefing.Tick)
			}
			cancel()
			<-done
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatalf("watch did not publish")
		}
	}
}
