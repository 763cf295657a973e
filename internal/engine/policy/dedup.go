package policy

import (
	"context"
	"strings"
	"time"
)

// Duplicate reports whether an identical logical notification, same
// (event_type, entity_id, receiver), was already delivered within the
// trailing dedup window. Sends without an entity reference are never deduped.
func (d *Delivery) Duplicate(ctx context.Context, tenantID, eventType, entityID, chatID string, window time.Duration) (bool, error) {
	if entityID == "" || eventType == "" || chatID == "" {
		return false, nil
	}
	if window <= 0 {
		window = d.cfg.DedupWindow
	}
	return d.store.RecentDeliveredExists(ctx, tenantID, eventType, entityID, chatID, d.now().Add(-window))
}

// UniqKey builds an idempotency key from the non-empty parts.
// Returns "" when fewer than two parts are present, meaning the send does
// not declare a uniqueness constraint.
func UniqKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) < 2 {
		return ""
	}
	return strings.Join(kept, ":")
}
