package policy

import (
	"time"

	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// Outcome is the engine's structured verdict for one send decision.
// Blocked outcomes are values, not errors: callers branch, they don't recover.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeCircuitOpen      Outcome = "circuit_open"
	OutcomeDuplicate        Outcome = "duplicate_suppressed"
	OutcomeQuiet            Outcome = "quiet_hours"
	OutcomePermanentFailure Outcome = "permanently_failed"
)

// Decision carries an Outcome plus an optional retry-after hint.
type Decision struct {
	Outcome    Outcome
	RetryAfter time.Duration
}

func (d Decision) Allowed() bool { return d.Outcome == OutcomeOK }

// Config tunes the shared delivery policies. Zero values fall back to the
// defaults below.
type Config struct {
	CircuitThreshold int           // consecutive failures before opening (5)
	CircuitWindow    time.Duration // failure-counting window (300s)
	CircuitCooldown  time.Duration // open -> half_open cooldown (600s)

	BackoffBase time.Duration // first retry delay (30s)
	BackoffMax  time.Duration // delay ceiling (1h)
	MaxRetries  int           // attempts after the first (5)

	DedupWindow time.Duration // trailing duplicate-suppression span (300s)
}

func (c Config) withDefaults() Config {
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = 300 * time.Second
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 600 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 300 * time.Second
	}
	return c
}

// Delivery bundles dedup, rate limiting, circuit breaking and retry/backoff
// behind one object so the async worker and the synchronous gateway apply
// identical policy. All shared counters live in the store; Delivery itself
// holds no mutable state and is safe for concurrent use.
type Delivery struct {
	store storage.Store
	cfg   Config
	log   logx.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(store storage.Store, cfg Config, log logx.Logger) *Delivery {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Delivery{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
	}
}

func (d *Delivery) Config() Config { return d.cfg }

// MaxRetries returns the effective retry ceiling, honoring a per-send
// override when positive.
func (d *Delivery) MaxRetries(override int) int {
	if override > 0 {
		return override
	}
	return d.cfg.MaxRetries
}
