package app

import (
	"fmt"
	"strings"
	"time"

	"coachnotify/internal/engine/gateway"
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/engine/worker"
	"coachnotify/internal/ingest"
	"coachnotify/internal/storage"
)

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(cfg.Storage.Path)

	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapPolicyConfig(cfg *Config) (policy.Config, error) {
	if cfg == nil {
		return policy.Config{}, nil
	}
	p := cfg.Policy

	window, err := parseDurationField("policy.circuit_window", p.CircuitWindow)
	if err != nil {
		return policy.Config{}, err
	}
	cooldown, err := parseDurationField("policy.circuit_cooldown", p.CircuitCooldown)
	if err != nil {
		return policy.Config{}, err
	}
	base, err := parseDurationField("policy.backoff_base", p.BackoffBase)
	if err != nil {
		return policy.Config{}, err
	}
	maxDelay, err := parseDurationField("policy.backoff_max", p.BackoffMax)
	if err != nil {
		return policy.Config{}, err
	}
	dedup, err := parseDurationField("policy.dedup_window", p.DedupWindow)
	if err != nil {
		return policy.Config{}, err
	}
	if p.CircuitThreshold < 0 {
		return policy.Config{}, fmt.Errorf("policy.circuit_threshold must be >= 0")
	}
	if p.MaxRetries < 0 {
		return policy.Config{}, fmt.Errorf("policy.max_retries must be >= 0")
	}

	return policy.Config{
		CircuitThreshold: p.CircuitThreshold,
		CircuitWindow:    window,
		CircuitCooldown:  cooldown,
		BackoffBase:      base,
		BackoffMax:       maxDelay,
		MaxRetries:       p.MaxRetries,
		DedupWindow:      dedup,
	}, nil
}

func mapWorkerConfig(cfg *Config) (worker.Config, error) {
	if cfg == nil {
		return worker.Config{}, nil
	}
	w := cfg.Worker

	tick, err := parseDurationField("worker.tick", w.Tick)
	if err != nil {
		return worker.Config{}, err
	}
	provTimeout, err := parseDurationField("worker.provider_timeout", w.ProviderTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	rateWindow, err := parseDurationField("worker.global_rate_window", w.GlobalRateWindow)
	if err != nil {
		return worker.Config{}, err
	}
	deliveredRet, err := parseDurationField("worker.delivered_retention", w.DeliveredRetention)
	if err != nil {
		return worker.Config{}, err
	}
	logRet, err := parseDurationField("worker.log_retention", w.LogRetention)
	if err != nil {
		return worker.Config{}, err
	}
	deadRet, err := parseDurationField("worker.dead_letter_retention", w.DeadLetterRetention)
	if err != nil {
		return worker.Config{}, err
	}
	if w.Batch < 0 {
		return worker.Config{}, fmt.Errorf("worker.batch must be >= 0")
	}
	if w.GlobalRateMax < 0 {
		return worker.Config{}, fmt.Errorf("worker.global_rate_max must be >= 0")
	}

	return worker.Config{
		Enabled:             w.Enabled,
		Tick:                tick,
		Batch:               w.Batch,
		ProviderTimeout:     provTimeout,
		GlobalRateMax:       w.GlobalRateMax,
		GlobalRateWindow:    rateWindow,
		DeliveredRetention:  deliveredRet,
		LogRetention:        logRet,
		DeadLetterRetention: deadRet,
	}, nil
}

func mapGatewayConfig(cfg *Config) (gateway.Config, error) {
	if cfg == nil {
		return gateway.Config{}, nil
	}
	g := cfg.Gateway

	provTimeout, err := parseDurationField("gateway.provider_timeout", g.ProviderTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	rateWindow, err := parseDurationField("gateway.user_rate_window", g.UserRateWindow)
	if err != nil {
		return gateway.Config{}, err
	}
	if g.UserRateMax < 0 {
		return gateway.Config{}, fmt.Errorf("gateway.user_rate_max must be >= 0")
	}

	return gateway.Config{
		ProviderTimeout: provTimeout,
		UserRateMax:     g.UserRateMax,
		UserRateWindow:  rateWindow,
		DefaultProvider: strings.TrimSpace(g.DefaultProvider),
	}, nil
}

func mapIngestConfig(cfg *Config) (ingest.Config, error) {
	if cfg == nil || cfg.Ingest == nil {
		return ingest.Config{}, nil
	}
	i := cfg.Ingest
	if i.Enabled && strings.TrimSpace(i.URL) == "" {
		return ingest.Config{}, fmt.Errorf("ingest.url is required when ingest.enabled is true")
	}
	if i.Prefetch < 0 {
		return ingest.Config{}, fmt.Errorf("ingest.prefetch must be >= 0")
	}
	return ingest.Config{
		Enabled:  i.Enabled,
		URL:      strings.TrimSpace(i.URL),
		Exchange: strings.TrimSpace(i.Exchange),
		Queue:    strings.TrimSpace(i.Queue),
		Binding:  strings.TrimSpace(i.Binding),
		Prefetch: i.Prefetch,
	}, nil
}

// validateTenants rejects configs with malformed tenant settings so a bad
// hot reload never reaches the running engine.
func validateTenants(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	for id, t := range cfg.Tenants {
		if tz := strings.TrimSpace(t.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("tenants.%s.timezone: invalid %q: %w", id, tz, err)
			}
		}
		qw := policy.QuietWindow{Start: t.QuietHours.Start, End: t.QuietHours.End}
		if err := qw.Validate(); err != nil {
			return fmt.Errorf("tenants.%s.quiet_hours: %w", id, err)
		}
		if wa := t.Providers.WhatsApp; wa != nil && wa.Token != "" && wa.PhoneID == "" {
			return fmt.Errorf("tenants.%s.providers.whatsapp.phone_id is required", id)
		}
	}
	return nil
}
