package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"coachnotify/pkg/logx"
)

// Store is the persistence API used by the engine.
//
// All read-modify-write methods (claim, WithCircuit, WithRateLimit, log
// upserts) run inside a single transaction so multiple engine processes can
// safely share one database file.
type Store interface {
	// Delivery queue.
	EnqueueItems(ctx context.Context, items []QueueItem) error
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	// ClaimQueueItem moves a due pending/retrying item to "sending".
	// It reports false when another worker got there first.
	ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateQueueItem(ctx context.Context, it QueueItem) error
	GetQueueItem(ctx context.Context, id string) (QueueItem, bool, error)
	// ReapStaleSending returns crash-orphaned "sending" rows to "retrying".
	ReapStaleSending(ctx context.Context, olderThan, now time.Time) (int, error)
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Delivery logs.
	InsertDeliveryLog(ctx context.Context, l DeliveryLog) error
	// GetOrCreateDeliveryLog finds the active (non-terminal) log for l.UniqKey
	// or inserts l. It reports whether a new row was created.
	GetOrCreateDeliveryLog(ctx context.Context, l DeliveryLog) (DeliveryLog, bool, error)
	UpdateDeliveryLog(ctx context.Context, l DeliveryLog) error
	// RecentDeliveredExists reports whether a successful log for the same
	// (event_type, entity_id, chat_id) exists within the trailing window.
	RecentDeliveredExists(ctx context.Context, tenantID, eventType, entityID, chatID string, since time.Time) (bool, error)
	PurgeDeliveryLogs(ctx context.Context, now time.Time) (int, error)

	// Shared counters; fn runs inside the row's transaction.
	WithCircuit(ctx context.Context, tenantID, provider string, fn func(*CircuitState) error) (CircuitState, error)
	WithRateLimit(ctx context.Context, tenantID, scopeType, scopeKey, action string, fn func(*RateLimitState) error) (RateLimitState, error)

	// Rules and templates (configuration, read-mostly).
	RulesForEvent(ctx context.Context, tenantID, event string) ([]Rule, error)
	UpsertRule(ctx context.Context, r Rule) (int64, error)
	ActiveTemplate(ctx context.Context, tenantID, name string) (Template, bool, error)
	// UpsertTemplate inserts a new version for (tenant, name) and deactivates
	// older versions. Returns the new version number.
	UpsertTemplate(ctx context.Context, tenantID, name, body, providerHint string) (int, error)

	// Dead letters.
	AppendDeadLetter(ctx context.Context, d DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	TrimDeadLetters(ctx context.Context, olderThan time.Time) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. Driver "" or "none" yields a
// disabled store whose every method returns ErrDisabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return (*sqliteStore)(nil), nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
