package app

import (
	"context"
	"time"

	"bnoobot/internal/eventbus"
	"bnoobot/internal/events"
	"bnoobot/internal/notifier"
	"bnoobot/internal/storage"
	"bnoobot/internal/tasks"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

// auditLoop logs bus events and, when storage is on, appends one audit
// entry per scheduler lifecycle event and per failed delivery or task run.
func (a *App) auditLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			entry, ok := auditEntry(e)
			if !ok || a.store == nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := a.store.AppendAudit(wctx, entry); err != nil {
				a.log.Warn("audit write failed", logx.String("kind", entry.Kind), logx.Err(err))
			}
			cancel()
		}
	}
}

// auditEntry maps a bus event to an audit record; ok is false for event
// types that are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	entry := storage.AuditEntry{At: e.Time.UTC(), Kind: e.Type}
	switch d := e.Data.(type) {
	case events.Info:
		entry.EventID = d.ID
		entry.EventName = d.Name
		entry.Detail = d.Description
		entry.Error = d.Err
		if t, ok := d.Target.(transport.ChannelTarget); ok {
			entry.ChatID, entry.ThreadID = t.To.ChatID, t.To.ThreadID
		}
		return entry, true
	case notifier.Event:
		if e.Type != notifier.TopicFailed && e.Type != notifier.TopicDropped {
			return storage.AuditEntry{}, false
		}
		entry.ChatID, entry.ThreadID = d.ChatID, d.ThreadID
		entry.Detail = d.Channel
		entry.Error = d.Error
		return entry, true
	case tasks.RunInfo:
		if e.Type != tasks.TopicRunFailed {
			return storage.AuditEntry{}, false
		}
		entry.EventName = d.Name
		entry.Detail = d.Took.String()
		entry.Error = d.Error
		return entry, true
	default:
		return storage.AuditEntry{}, false
	}
}
