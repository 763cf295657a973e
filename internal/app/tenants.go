package app

import (
	"strings"
	"sync"
	"time"

	"coachnotify/internal/config"
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/provider"
	"coachnotify/pkg/logx"
)

// tenantEntry is the resolved runtime form of one tenant's settings.
type tenantEntry struct {
	quiet     policy.QuietWindow
	providers map[provider.Kind]provider.Config
}

// TenantDirectory resolves per-tenant quiet hours and provider credentials.
// It is swapped atomically on config hot reload and implements
// engine.TenantSource.
type TenantDirectory struct {
	mu      sync.RWMutex
	entries map[string]tenantEntry
	log     logx.Logger
}

func NewTenantDirectory(log logx.Logger) *TenantDirectory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TenantDirectory{
		entries: map[string]tenantEntry{},
		log:     log.With(logx.String("comp", "tenants")),
	}
}

// Reload rebuilds the directory from config. Tenants with a bad timezone
// keep UTC; validation should have caught that before commit.
func (d *TenantDirectory) Reload(tenants map[string]config.TenantConfig) {
	next := make(map[string]tenantEntry, len(tenants))
	for id, t := range tenants {
		loc := time.UTC
		if tz := strings.TrimSpace(t.Timezone); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				loc = l
			} else {
				d.log.Warn("invalid tenant timezone, using UTC",
					logx.String("tenant", id), logx.String("tz", tz))
			}
		}

		e := tenantEntry{
			quiet: policy.QuietWindow{
				Start:    strings.TrimSpace(t.QuietHours.Start),
				End:      strings.TrimSpace(t.QuietHours.End),
				Location: loc,
			},
			providers: map[provider.Kind]provider.Config{},
		}
		if tg := t.Providers.Telegram; tg != nil && strings.TrimSpace(tg.Token) != "" {
			e.providers[provider.KindTelegram] = provider.Config{Token: strings.TrimSpace(tg.Token)}
		}
		if wa := t.Providers.WhatsApp; wa != nil && strings.TrimSpace(wa.Token) != "" {
			e.providers[provider.KindWhatsApp] = provider.Config{
				Token:   strings.TrimSpace(wa.Token),
				PhoneID: strings.TrimSpace(wa.PhoneID),
			}
		}
		next[id] = e
	}

	d.mu.Lock()
	d.entries = next
	d.mu.Unlock()
	d.log.Debug("tenant directory reloaded", logx.Int("tenants", len(next)))
}

func (d *TenantDirectory) QuietWindow(tenantID string) policy.QuietWindow {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries[tenantID].quiet
}

func (d *TenantDirectory) ProviderConfig(tenantID string, kind provider.Kind) (provider.Config, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[tenantID]
	if !ok {
		return provider.Config{}, false
	}
	cfg, ok := e.providers[kind]
	return cfg, ok
}

// TenantIDs returns the known tenant ids, for health checks.
func (d *TenantDirectory) TenantIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for id := range d.entries {
		out = append(out, id)
	}
	return out
}
