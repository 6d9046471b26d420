package app

import (
	"strings"
	"time"

	"bnoobot/internal/config"
	"bnoobot/internal/events"
	"bnoobot/internal/notifier"
	"bnoobot/internal/observability/debug"
	"bnoobot/internal/router"
	"bnoobot/internal/storage"
	"bnoobot/internal/tasks"
	"bnoobot/internal/transport"
	"bnoobot/internal/watch/chess"
	"bnoobot/internal/watch/twitch"
	logx "bnoobot/pkg/logx"
)

// The map* helpers translate the on-disk config into component configs.
// They run after config.Validate, so parse errors fall back to defaults.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			Target:     transport.ChatTarget{ChatID: l.Chat.ChatID, ThreadID: l.Chat.ThreadID},
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapRouter(cfg *config.Config) router.Config {
	return router.Config{
		Prefix:  cfg.Bot.Prefix,
		Timeout: config.DurationOr(cfg.Bot.CommandTimeout, 30*time.Second),
	}
}

func mapEvents(cfg *config.Config) events.Config {
	s := cfg.Scheduler
	return events.Config{
		Unit:        config.DurationOr(s.Unit, time.Minute),
		SendTimeout: config.DurationOr(s.SendTimeout, 10*time.Second),
		MaxPending:  s.MaxPending,
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.DurationOr(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   config.DurationOr(n.RetryMaxDelay, 10*time.Second),
		DedupWindow:     config.DurationOr(n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

// mapStorage reports false when storage is off.
func mapStorage(cfg *config.Config) (storage.Config, bool) {
	s := cfg.Storage
	if s == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: config.DurationOr(s.BusyTimeout, time.Second),
		Addr:        strings.TrimSpace(s.Addr),
		Password:    s.Password,
		DB:          s.DB,
		KeyPrefix:   s.KeyPrefix,
		AuditMax:    s.AuditMax,
	}, true
}

func mapTasks(cfg *config.Config) tasks.Config {
	// Enabling a built-in watcher implies the task clock.
	return tasks.Config{
		Enabled:  cfg.Tasks.Enabled || cfg.Chess.Enabled || cfg.Twitch.Enabled,
		Timezone: cfg.Tasks.Timezone,
	}
}

func mapChess(cfg *config.Config, channel string) chess.Config {
	c := cfg.Chess
	return chess.Config{
		Username: c.Username,
		Interval: c.Interval,
		APIURL:   c.APIURL,
		Timeout:  config.DurationOr(c.Timeout, chess.DefaultTimeout),
		Channel:  channel,
		Target:   transport.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID},
	}
}

func mapTwitch(cfg *config.Config, channel string) twitch.Config {
	c := cfg.Twitch
	return twitch.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Streamers:    append([]string(nil), c.Streamers...),
		Interval:     c.Interval,
		AuthURL:      c.AuthURL,
		APIURL:       c.APIURL,
		Timeout:      config.DurationOr(c.Timeout, twitch.DefaultTimeout),
		Channel:      channel,
		Target:       transport.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID},
	}
}

func mapDebug(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}
