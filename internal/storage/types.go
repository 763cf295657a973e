package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the only driver today)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Queue item lifecycle.
const (
	QueuePending   = "pending"
	QueueSending   = "sending"
	QueueDelivered = "delivered"
	QueueRetrying  = "retrying"
	QueueFailed    = "failed"
)

// Delivery log statuses.
const (
	LogPending             = "pending"
	LogSent                = "sent"
	LogDelivered           = "delivered"
	LogFailed              = "failed"
	LogFailedBackoff       = "failed_backoff"
	LogPermanentlyFailed   = "permanently_failed"
	LogDuplicateSuppressed = "duplicate_suppressed"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// QueueItem is a single recipient-bound pending delivery.
//
// Invariant: ProviderIdx < len(Providers). Status transitions only happen
// through claim/update on the store so concurrent workers never double-send.
type QueueItem struct {
	ID               string
	TenantID         string
	Event            string
	RecipientID      string
	Providers        []string
	ProviderIdx      int
	Content          string
	Critical         bool
	QuietExempt      bool
	NotificationType string
	EntityType       string
	EntityID         string
	Status           string
	RetryCount       int
	NextAttemptAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeliveryLog is the durable record of one logical notification to one
// recipient (gateway path) or of one provider attempt (worker path).
//
// UniqKey, when non-empty, declares an idempotency key: the store enforces at
// most one non-terminal row per key.
type DeliveryLog struct {
	ID               string
	TenantID         string
	ChatID           string
	Provider         string
	EventType        string
	NotificationType string
	EntityType       string
	EntityID         string
	UniqKey          string
	Status           string
	Attempts         int
	LastError        string
	LastAttemptAt    time.Time
	CreatedAt        time.Time
	DeleteAt         time.Time // zero value = keep forever
}

// CircuitState is the health row of one (tenant, provider) pair.
type CircuitState struct {
	TenantID      string
	Provider      string
	State         string
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
	ChangedAt     time.Time
}

// RateLimitState is one fixed-window counter row.
type RateLimitState struct {
	TenantID    string
	ScopeType   string
	ScopeKey    string
	Action      string
	WindowStart time.Time
	Count       int
}

// Rule maps an event to a template and an ordered provider preference list.
type Rule struct {
	ID           int64
	TenantID     string
	Event        string
	Enabled      bool
	TemplateName string
	Providers    []string
	Conditions   map[string]any
	QuietExempt  bool
}

// Template is one version of a message body for (tenant, name).
type Template struct {
	TenantID     string
	Name         string
	Version      int
	Body         string
	ProviderHint string
	Active       bool
	CreatedAt    time.Time
}

// DeadLetter is an append-only terminal failure record. It keeps enough of
// the original notification to replay it by hand.
type DeadLetter struct {
	ID          string
	Source      string
	TenantID    string
	ItemID      string
	Event       string
	RecipientID string
	Content     string
	EntityType  string
	EntityID    string
	Error       string
	Attempts    int
	CreatedAt   time.Time
}

// AuditEntry records one engine signal for operator visibility.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	TenantID string
	Kind     string
	Provider string
	ChatID   string
	RefID    string
	Detail   string
}
