package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"bnoobot/internal/tasks"
	logx "bnoobot/pkg/logx"
)

// Validate checks cross-field rules. Errors name the dotted field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "discord":
		if strings.TrimSpace(cfg.Transport.Discord.Token) == "" {
			add(errors.New("transport.discord.token: required"))
		}
	case "telegram":
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			add(errors.New("transport.telegram.token: required"))
		}
		_, err := ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout)
		add(err)
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q (want discord|telegram)", cfg.Transport.Driver))
	}

	if p := strings.TrimSpace(cfg.Bot.Prefix); len([]rune(p)) > 3 {
		add(fmt.Errorf("bot.prefix: %q is too long", p))
	}
	_, err := ParseDurationField("bot.command_timeout", cfg.Bot.CommandTimeout)
	add(err)

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if lv := strings.TrimSpace(cfg.Logging.Chat.MinLevel); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.chat.min_level: unknown level %q", lv))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID == 0 {
		add(errors.New("logging.chat.chat_id: required when chat logging is enabled"))
	}

	_, err = ParseDurationField("scheduler.unit", cfg.Scheduler.Unit)
	add(err)
	_, err = ParseDurationField("scheduler.send_timeout", cfg.Scheduler.SendTimeout)
	add(err)
	if cfg.Scheduler.MaxPending < 0 {
		add(errors.New("scheduler.max_pending: must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range [][2]string{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			_, err := ParseDurationField(f[0], f[1])
			add(err)
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: numeric fields must be >= 0"))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
			_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
			add(err)
		case "redis":
			if strings.TrimSpace(s.Addr) == "" {
				add(errors.New("storage.addr: required for driver \"redis\""))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	if tz := strings.TrimSpace(cfg.Tasks.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("tasks.timezone: %w", err))
		}
	}

	if c := cfg.Chess; c.Enabled {
		if strings.TrimSpace(c.Username) == "" {
			add(errors.New("chess.username: required when chess is enabled"))
		}
		if c.ChatID == 0 {
			add(errors.New("chess.chat_id: required when chess is enabled"))
		}
		_, err := ParseDurationField("chess.timeout", c.Timeout)
		add(err)
		if strings.TrimSpace(c.Interval) != "" {
			if _, err := tasks.ParseSchedule(c.Interval); err != nil {
				add(fmt.Errorf("chess.interval: %w", err))
			}
		}
	}

	if c := cfg.Twitch; c.Enabled {
		if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "" {
			add(errors.New("twitch.client_id: client_id and client_secret required when twitch is enabled"))
		}
		n := 0
		for _, s := range c.Streamers {
			if strings.TrimSpace(s) != "" {
				n++
			}
		}
		if n == 0 {
			add(errors.New("twitch.streamers: at least one streamer required"))
		}
		if c.ChatID == 0 {
			add(errors.New("twitch.chat_id: required when twitch is enabled"))
		}
		_, err := ParseDurationField("twitch.timeout", c.Timeout)
		add(err)
		if strings.TrimSpace(c.Interval) != "" {
			if _, err := tasks.ParseSchedule(c.Interval); err != nil {
				add(fmt.Errorf("twitch.interval: %w", err))
			}
		}
	}

	if d := cfg.Debug; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(d.Addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
