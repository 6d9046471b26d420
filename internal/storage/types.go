package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Store is the persistence API used by the app and the notifier.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to n entries, newest first.
	RecentAudit(ctx context.Context, n int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Config selects and configures a driver.
//
// Driver values:
//   - "file": JSON Lines audit plus a dedup snapshot and journal
//   - "sqlite": a SQLite database file
//   - "redis": a capped audit list and expiring dedup keys
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only

	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	AuditMax  int
}

// AuditEntry records one scheduler lifecycle event.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	EventID   string    `json:"event_id,omitempty"`
	EventName string    `json:"event_name,omitempty"`
	ChatID    int64     `json:"chat_id,omitempty"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}
