package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "bnoobot/pkg/logx"
)

const sampleYAML = `
bot:
  prefix: "!"
  owner_user_ids: [42]
transport:
  driver: discord
  discord:
    token: abc
logging:
  level: info
  console: true
scheduler:
  unit: 1m
  send_timeout: 5s
notifier:
  enabled: true
  workers: 1
  queue_size: 16
  rate_per_sec: 2
  retry_max: 1
  retry_base: 100ms
  retry_max_delay: 1s
  dedup_window: 1m
  dedup_max_entries: 10
storage:
  driver: file
  path: ./data
tasks:
  enabled: true
  timezone: UTC
chess:
  enabled: true
  username: magnus
  chat_id: 1234567890123456789
twitch:
  enabled: true
  client_id: cid
  client_secret: hunter2
  streamers: [bnoobman, other]
  chat_id: 7
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Driver != "discord" || cfg.Transport.Discord.Token != "abc" {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Chess.ChatID != 1234567890123456789 {
		t.Fatalf("chess.chat_id = %d, want snowflake preserved", cfg.Chess.ChatID)
	}
	if len(cfg.Twitch.Streamers) != 2 || cfg.Twitch.ClientSecret != "hunter2" {
		t.Fatalf("twitch = %+v", cfg.Twitch)
	}
	if cfg.Notifier == nil || cfg.Notifier.QueueSize != 16 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if m.Get() != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.yaml", []byte("bot:\n  prefx: \"!\"\n"))
	if err == nil || !strings.Contains(err.Error(), "prefx") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestDecodeRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"bot":{}} {"bot":{}}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Transport: TransportConfig{Driver: "telegram", Telegram: TelegramConfig{Token: "t"}}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Transport.Driver = "irc" }, wantErr: "transport.driver"},
		{name: "missing token", mutate: func(c *Config) { c.Transport.Telegram.Token = "" }, wantErr: "transport.telegram.token"},
		{name: "bad unit", mutate: func(c *Config) { c.Scheduler.Unit = "soon" }, wantErr: "scheduler.unit"},
		{name: "negative unit", mutate: func(c *Config) { c.Scheduler.Unit = "-1m" }, wantErr: "scheduler.unit"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "storage path", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "redis addr", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, wantErr: "storage.addr"},
		{name: "storage none", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "none"} }},
		{name: "chess user", mutate: func(c *Config) { c.Chess = ChessConfig{Enabled: true, ChatID: 1} }, wantErr: "chess.username"},
		{name: "chess interval", mutate: func(c *Config) { c.Chess = ChessConfig{Enabled: true, Username: "me", ChatID: 1, Interval: "sometimes"} }, wantErr: "chess.interval"},
		{name: "twitch client", mutate: func(c *Config) { c.Twitch = TwitchConfig{Enabled: true, Streamers: []string{"a"}, ChatID: 1} }, wantErr: "twitch.client_id"},
		{name: "twitch streamers", mutate: func(c *Config) {
			c.Twitch = TwitchConfig{Enabled: true, ClientID: "c", ClientSecret: "s", Streamers: []string{" "}, ChatID: 1}
		}, wantErr: "twitch.streamers"},
		{name: "twitch chat", mutate: func(c *Config) { c.Twitch = TwitchConfig{Enabled: true, ClientID: "c", ClientSecret: "s", Streamers: []string{"a"}} }, wantErr: "twitch.chat_id"},
		{name: "twitch disabled", mutate: func(c *Config) { c.Twitch = TwitchConfig{Streamers: []string{"a"}} }},
		{name: "timezone", mutate: func(c *Config) { c.Tasks.Timezone = "Mars/Olympus" }, wantErr: "tasks.timezone"},
		{name: "debug addr", mutate: func(c *Config) { c.Debug = DebugConfig{Enabled: true, Addr: "6060"} }, wantErr: "debug.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	if got := DurationOr("", time.Minute); got != time.Minute {
		t.Fatalf("DurationOr(\"\") = %v", got)
	}
	if got := DurationOr("2s", time.Minute); got != 2*time.Second {
		t.Fatalf("DurationOr(2s) = %v", got)
	}
	if got := DurationOr("bogus", time.Minute); got != time.Minute {
		t.Fatalf("DurationOr(bogus) = %v", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b, _ := Decode("b.yaml", []byte(sampleYAML))
	b.Scheduler.MaxPending = 10
	b.Transport.Discord.Token = "rotated"

	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "scheduler,transport" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if !RestartRequired(changed) {
		t.Fatal("transport change should require restart")
	}
	c, _ := Decode("c.yaml", []byte(sampleYAML))
	c.Twitch.ClientSecret = "rotated-secret"
	c.Twitch.Streamers = append(c.Twitch.Streamers, "third")
	changed, attrs = SummarizeChange(a, c)
	if strings.Join(changed, ",") != "twitch" {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config changed", attrs...)
	if !strings.Contains(buf.String(), `"twitch.streamers":3`) || strings.Contains(buf.String(), "rotated-secret") {
		t.Fatalf("summary = %s", buf.String())
	}
	if RestartRequired([]string{"logging", "chess", "twitch"}) {
		t.Fatal("logging/chess are hot-reloadable")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	updated := strings.Replace(sampleYAML, "send_timeout: 5s", "send_timeout: 7s", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Scheduler.SendTimeout != "7s" {
				t.Fatalf("reloaded send_timeout = %q", cfg.Scheduler.SendTimeout)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is attached.
			if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
