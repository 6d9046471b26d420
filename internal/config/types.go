package config

// Config is the on-disk configuration (YAML or JSON). Durations are Go
// duration strings ("500ms", "10s", "1m").
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier may be omitted; it then runs with defaults (enabled).
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage may be omitted; nil disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`

	Tasks  TasksConfig  `json:"tasks"`
	Chess  ChessConfig  `json:"chess"`
	Twitch TwitchConfig `json:"twitch"`
	Debug  DebugConfig  `json:"debug"`
}

type BotConfig struct {
	// Prefix starts a command ("!schedule ..."). Default "!". "/" is always accepted.
	Prefix       string  `json:"prefix,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// CommandTimeout bounds one command handler. Default "30s".
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// TransportConfig selects the chat network. Changing it requires a restart.
type TransportConfig struct {
	// Driver is "discord" or "telegram".
	Driver   string         `json:"driver"`
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type DiscordConfig struct {
	Token string `json:"token"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards log lines at or above MinLevel to a chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the delayed-event scheduler.
//
// Defaults: unit "1m", send_timeout "10s", max_pending 0 (unlimited).
type SchedulerConfig struct {
	Unit        string `json:"unit,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	MaxPending  int    `json:"max_pending,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DefaultNotifier is what an omitted notifier section means.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// StorageConfig controls the optional audit/dedup store.
//
// Example:
//
//	storage:
//	  driver: sqlite
//	  path: ./bnoobot.db
type StorageConfig struct {
	// Driver is "file", "sqlite", "redis" or "none".
	Driver string `json:"driver"`
	// Path is a directory (file) or database file (sqlite).
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	// Redis connection.
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`

	// AuditMax caps the redis audit list. Default 1000.
	AuditMax int `json:"audit_max,omitempty"`
}

type TasksConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// ChessConfig drives the chess.com "your turn" watcher.
type ChessConfig struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username"`
	// Interval is a Go duration or a cron spec. Default "10m".
	Interval string `json:"interval,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// APIURL defaults to https://api.chess.com/pub.
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// TwitchConfig drives the "now live on Twitch" watcher. It authenticates with
// an app access token from the client credentials grant.
type TwitchConfig struct {
	Enabled      bool     `json:"enabled"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Streamers    []string `json:"streamers"`
	// Interval is a Go duration or a cron spec. Default "15m".
	Interval string `json:"interval,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// AuthURL and APIURL default to id.twitch.tv and api.twitch.tv/helix.
	AuthURL string `json:"auth_url,omitempty"`
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// DebugConfig controls the local status/pprof HTTP server.
type DebugConfig struct {
	Enabled bool `json:"enabled"`
	// Addr defaults to 127.0.0.1:6060. Other hosts need Token or AllowInsecure.
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
