package app

import (
	"context"
	"sort"
	"time"

	"coachnotify/internal/provider"
)

// ProviderHealth is one (tenant, provider) probe result.
type ProviderHealth struct {
	TenantID string
	Provider provider.Kind
	OK       bool
	Error    string
}

// Health is a point-in-time snapshot of store and provider reachability.
type Health struct {
	At        time.Time
	StoreOK   bool
	StoreErr  string
	Providers []ProviderHealth
}

// CheckHealth pings the store and health-checks every configured
// (tenant, provider) credential pair. Probes are bounded; a slow provider
// never blocks the snapshot for more than a few seconds.
func (a *App) CheckHealth(ctx context.Context) Health {
	h := Health{At: time.Now()}

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := a.store.Ping(pctx); err != nil {
		h.StoreErr = err.Error()
	} else {
		h.StoreOK = true
	}
	cancel()

	ids := a.tenants.TenantIDs()
	sort.Strings(ids)
	for _, id := range ids {
		for _, kind := range a.providers.Kinds() {
			cfg, ok := a.tenants.ProviderConfig(id, kind)
			if !ok {
				continue
			}
			adapter, ok := a.providers.Get(string(kind))
			if !ok {
				continue
			}
			ph := ProviderHealth{TenantID: id, Provider: kind}
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := adapter.HealthCheck(hctx, cfg); err != nil {
				ph.Error = err.Error()
			} else {
				ph.OK = true
			}
			cancel()
			h.Providers = append(h.Providers, ph)
		}
	}
	return h
}
