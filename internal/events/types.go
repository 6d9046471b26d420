package events

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidDelay   = errors.New("delay must be >= 0 minutes")
	ErrDelayTooLarge  = errors.New("delay too large")
	ErrNilTarget      = errors.New("target required")
	ErrTooManyPending = errors.New("too many pending events")
	ErrDelivery       = errors.New("delivery failed")
	ErrClosed         = errors.New("scheduler closed")
)

// Target receives the text notifications of an event (typically a chat
// channel). It is owned by the caller; the scheduler only holds a reference.
type Target interface {
	Send(ctx context.Context, text string) error
}

// TargetFunc adapts a plain function to Target.
type TargetFunc func(ctx context.Context, text string) error

func (f TargetFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type State int

const (
	StatePending State = iota
	StateFired
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s != StatePending }

// Config controls a Scheduler.
type Config struct {
	// Unit is the length of one delay step. Zero means one minute.
	Unit time.Duration
	// SendTimeout bounds each delivery to a Target. Zero means 10s.
	SendTimeout time.Duration
	// MaxPending caps the collection size. Zero means unlimited.
	MaxPending int
}

func (c Config) withDefaults() Config {
	if c.Unit <= 0 {
		c.Unit = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxPending < 0 {
		c.MaxPending = 0
	}
	return c
}

// Info is a point-in-time copy of an event.
type Info struct {
	ID           string
	Name         string
	Description  string
	Attendees    []string
	Target       Target
	DelayMinutes int
	CreatedAt    time.Time
	TriggerTime  time.Time
	State        State
	Err          string
}

// Remaining returns the time left until TriggerTime (never negative).
func (i Info) Remaining(now time.Time) time.Duration {
	d := i.TriggerTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Option customizes a scheduled event.
type Option func(*Event)

// WithDescription sets free text included in the announcement. An empty
// description is treated as absent.
func WithDescription(d string) Option {
	return func(e *Event) { e.description = d }
}

// WithAttendees records an informational attendee list.
func WithAttendees(names ...string) Option {
	return func(e *Event) { e.attendees = append([]string(nil), names...) }
}

// Bus event types published by the Scheduler. Data is an Info.
const (
	TopicScheduled = "events.scheduled"
	TopicFired     = "events.fired"
	TopicFailed    = "events.failed"
	TopicCancelled = "events.cancelled"
)
