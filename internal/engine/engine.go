// Package engine holds the types shared by the async delivery worker and
// the synchronous gateway.
package engine

import (
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/provider"
)

// TenantSource supplies per-tenant settings needed at send time.
// Implemented by the app's config layer.
type TenantSource interface {
	QuietWindow(tenantID string) policy.QuietWindow
	ProviderConfig(tenantID string, kind provider.Kind) (provider.Config, bool)
}

// CircuitEvent is published on the bus when a breaker changes state.
type CircuitEvent struct {
	TenantID string `json:"tenant_id"`
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// DeliveryEvent is published on the bus for notable delivery outcomes.
type DeliveryEvent struct {
	TenantID    string `json:"tenant_id"`
	ItemID      string `json:"item_id"`
	Event       string `json:"event"`
	RecipientID string `json:"recipient_id"`
	Provider    string `json:"provider,omitempty"`
	Error       string `json:"error,omitempty"`
}
