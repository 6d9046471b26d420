package app

import (
	"time"

	rtsup "bnoobot/internal/runtime/supervisor"
	"bnoobot/internal/tasks"
)

// Status is the document served at the debug server's /status.
type Status struct {
	Transport  string         `json:"transport"`
	Prefix     string         `json:"prefix"`
	Uptime     string         `json:"uptime"`
	Events     []EventStatus  `json:"events"`
	Tasks      tasks.Snapshot `json:"tasks"`
	Notifier   NotifierStatus `json:"notifier"`
	Supervisor rtsup.Counters `json:"supervisor"`
	Storage    bool           `json:"storage"`
}

type EventStatus struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	TriggerTime time.Time `json:"trigger_time"`
	Remaining   string    `json:"remaining"`
}

type NotifierStatus struct {
	Enabled bool `json:"enabled"`
	Sent    int  `json:"sent"`
}

func (a *App) status() any {
	now := time.Now()
	st := Status{
		Transport: a.adapter.Name(),
		Prefix:    a.router.Prefix(),
		Uptime:    now.Sub(a.started).Truncate(time.Second).String(),
		Tasks:     a.tasks.Snapshot(),
		Notifier:  NotifierStatus{Enabled: a.notif.Enabled(), Sent: len(a.notif.History())},
		Storage:   a.store != nil,
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	for _, in := range a.events.List() {
		st.Events = append(st.Events, EventStatus{
			ID:          in.ID,
			Name:        in.Name,
			Description: in.Description,
			Attendees:   in.Attendees,
			TriggerTime: in.TriggerTime.UTC(),
			Remaining:   in.Remaining(now).Truncate(time.Second).String(),
		})
	}
	return st
}
