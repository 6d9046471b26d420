package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the pipeline. Zero values fall back to defaults in Apply.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// Bus event types. Data is an Event.
const (
	TopicQueued  = "notifier.queued"
	TopicSent    = "notifier.sent"
	TopicFailed  = "notifier.failed"
	TopicDeduped = "notifier.deduped"
	TopicDropped = "notifier.dropped"
)

// Event is the bus payload for notifier lifecycle events.
type Event struct {
	Channel  string
	ChatID   int64
	ThreadID int
	Key      string
	Attempts int
	Error    string
}
