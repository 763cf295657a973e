package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Kind identifies a delivery channel.
type Kind string

const (
	KindTelegram Kind = "telegram"
	KindWhatsApp Kind = "whatsapp"
)

// ErrConfig marks a non-retriable configuration problem (missing or rejected
// credentials, malformed recipient). Callers must not retry these; they are
// surfaced to the admin instead.
var ErrConfig = errors.New("provider configuration invalid")

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return errors.Is(err, ErrConfig) }

// Config holds per-tenant credentials for one channel.
type Config struct {
	Token   string // bot token (telegram) or access token (whatsapp)
	PhoneID string // whatsapp business phone number id
}

// Result is the provider's acknowledgment of one accepted message.
type Result struct {
	MessageID string
	Detail    string
}

// Adapter is the uniform per-channel contract. Adapters are stateless with
// respect to tenants: credentials travel with every call.
type Adapter interface {
	Kind() Kind
	Send(ctx context.Context, cfg Config, recipientID, content string) (Result, error)
	ValidateConfig(cfg Config) error
	HealthCheck(ctx context.Context, cfg Config) error
}

// Registry is the closed lookup table of adapters, built once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Kind()] = a
		}
	}
	return r
}

func (r *Registry) Get(kind string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[Kind(kind)]
	return a, ok
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
