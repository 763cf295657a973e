package config

// Config is the root of the engine's configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Policy  PolicyConfig  `json:"policy,omitempty"`
	Worker  WorkerConfig  `json:"worker,omitempty"`
	Gateway GatewayConfig `json:"gateway,omitempty"`
	Ingest  *IngestConfig `json:"ingest,omitempty"`

	// Tenants maps tenant id to its settings. A tenant with no provider
	// credentials can still queue notifications; they dead-letter on send.
	Tenants map[string]TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./coachnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PolicyConfig tunes the delivery policies shared by the worker and the
// gateway. Omitted fields fall back to engine defaults.
type PolicyConfig struct {
	CircuitThreshold int    `json:"circuit_threshold,omitempty"`
	CircuitWindow    string `json:"circuit_window,omitempty"`
	CircuitCooldown  string `json:"circuit_cooldown,omitempty"`

	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`

	DedupWindow string `json:"dedup_window,omitempty"`
}

// WorkerConfig controls the async delivery loop.
type WorkerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`
	Batch   int    `json:"batch,omitempty"`

	ProviderTimeout string `json:"provider_timeout,omitempty"`

	GlobalRateMax    int    `json:"global_rate_max,omitempty"`
	GlobalRateWindow string `json:"global_rate_window,omitempty"`

	DeliveredRetention  string `json:"delivered_retention,omitempty"`
	LogRetention        string `json:"log_retention,omitempty"`
	DeadLetterRetention string `json:"dead_letter_retention,omitempty"`
}

// GatewayConfig controls the synchronous send path.
type GatewayConfig struct {
	ProviderTimeout string `json:"provider_timeout,omitempty"`
	UserRateMax     int    `json:"user_rate_max,omitempty"`
	UserRateWindow  string `json:"user_rate_window,omitempty"`
	DefaultProvider string `json:"default_provider,omitempty"`
}

// IngestConfig controls the AMQP event source. Nil means disabled.
type IngestConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Binding  string `json:"binding,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
}

// TenantConfig holds one tenant's timezone, quiet hours and provider
// credentials.
type TenantConfig struct {
	// Timezone is an IANA name (e.g. "Europe/Berlin"). Empty means UTC.
	Timezone   string           `json:"timezone,omitempty"`
	QuietHours QuietHoursConfig `json:"quiet_hours,omitempty"`
	Providers  TenantProviders  `json:"providers"`
}

// QuietHoursConfig is a daily window in the tenant's local time during which
// non-critical notifications are deferred. Start and End are "HH:MM";
// Start > End spans midnight. Both empty disables quiet hours.
type QuietHoursConfig struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type TenantProviders struct {
	Telegram *TelegramProvider `json:"telegram,omitempty"`
	WhatsApp *WhatsAppProvider `json:"whatsapp,omitempty"`
}

type TelegramProvider struct {
	Token string `json:"token"`
}

type WhatsAppProvider struct {
	Token   string `json:"token"`
	PhoneID string `json:"phone_id"`
}
