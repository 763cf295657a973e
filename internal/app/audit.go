package app

import (
	"context"
	"time"

	"coachnotify/internal/engine"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// auditLoop drains bus events into the audit table. Best effort: a failed
// insert is logged and dropped, never retried.
func auditLoop(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			ictx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := store.AppendAudit(ictx, entry)
			cancel()
			if err != nil && err != storage.ErrDisabled {
				log.Warn("audit append failed", logx.String("kind", entry.Kind), logx.Err(err))
			}
		}
	}
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	switch d := e.Data.(type) {
	case engine.DeliveryEvent:
		return storage.AuditEntry{
			At:       e.Time,
			TenantID: d.TenantID,
			Kind:     e.Type,
			Provider: d.Provider,
			ChatID:   d.RecipientID,
			RefID:    d.ItemID,
			Detail:   d.Error,
		}, true
	case engine.CircuitEvent:
		return storage.AuditEntry{
			At:       e.Time,
			TenantID: d.TenantID,
			Kind:     e.Type,
			Provider: d.Provider,
			Detail:   d.State,
		}, true
	default:
		return storage.AuditEntry{}, false
	}
}
