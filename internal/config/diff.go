package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bnoobot/pkg/logx"
)

// SummarizeChange lists the sections that differ and returns safe log fields
// for them. Secrets (tokens, passwords) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.String("bot.prefix", newCfg.Bot.Prefix),
			logx.Int("bot.owner_count", len(newCfg.Bot.OwnerUserIDs)),
		)
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot.Driver != nt.Driver || ot.Discord.Token != nt.Discord.Token ||
		ot.Telegram.Token != nt.Telegram.Token || ot.Telegram.PollTimeout != nt.Telegram.PollTimeout {
		changed = append(changed, "transport")
		attrs = append(attrs, logx.String("transport.driver", strings.ToLower(nt.Driver)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.unit", newCfg.Scheduler.Unit),
			logx.String("scheduler.send_timeout", newCfg.Scheduler.SendTimeout),
			logx.Int("scheduler.max_pending", newCfg.Scheduler.MaxPending),
		)
	}

	on, nn := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		on = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nn = *newCfg.Notifier
	}
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newS.Driver))
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.timezone", newCfg.Tasks.Timezone))
	}

	if oldCfg.Chess != newCfg.Chess {
		changed = append(changed, "chess")
		attrs = append(attrs,
			logx.Bool("chess.enabled", newCfg.Chess.Enabled),
			logx.String("chess.username", newCfg.Chess.Username),
			logx.String("chess.interval", newCfg.Chess.Interval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Twitch, newCfg.Twitch) {
		changed = append(changed, "twitch")
		attrs = append(attrs,
			logx.Bool("twitch.enabled", newCfg.Twitch.Enabled),
			logx.Int("twitch.streamers", len(newCfg.Twitch.Streamers)),
			logx.String("twitch.interval", newCfg.Twitch.Interval),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether a change cannot be applied at runtime.
func RestartRequired(changed []string) bool {
	for _, c := range changed {
		if c == "transport" || c == "storage" {
			return true
		}
	}
	return false
}
