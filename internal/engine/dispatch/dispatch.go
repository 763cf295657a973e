package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	tmplengine "coachnotify/internal/engine/template"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// Request is one incoming business event.
// Payload keys the dispatcher understands:
//
//	recipients        []string (defaults to [ActorID])
//	message           string   (ad-hoc fallback body when no rule matches)
//	channels          []string (provider preference for ad-hoc sends)
//	critical          bool
//	entity_type       string
//	entity_id         string
//	notification_type string
type Request struct {
	Event    string
	TenantID string
	ActorID  string
	Payload  map[string]any
}

// Result reports how many queue items one event produced.
// Created == 0 is a valid outcome (event not enabled for this tenant),
// not an error.
type Result struct {
	Queued  bool
	Created int
}

// Dispatcher fans one business event out to queue items:
// matching rules x resolved templates x recipients.
type Dispatcher struct {
	store     storage.Store
	templates *tmplengine.Engine
	bus       eventbus.Bus
	log       logx.Logger

	defaultProviders []string
	now              func() time.Time
}

func New(store storage.Store, templates *tmplengine.Engine, bus eventbus.Bus, log logx.Logger, defaultProviders []string) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(defaultProviders) == 0 {
		defaultProviders = []string{"telegram"}
	}
	return &Dispatcher{
		store:            store,
		templates:        templates,
		bus:              bus,
		log:              log,
		defaultProviders: defaultProviders,
		now:              time.Now,
	}
}

// Emit turns an event into queue items.
func (d *Dispatcher) Emit(ctx context.Context, req Request) (Result, error) {
	if req.Event == "" || req.TenantID == "" {
		return Result{}, fmt.Errorf("emit: event and tenant are required")
	}

	recipients := stringsFrom(req.Payload, "recipients")
	if len(recipients) == 0 && req.ActorID != "" {
		recipients = []string{req.ActorID}
	}
	if len(recipients) == 0 {
		return Result{}, nil
	}

	critical := boolFrom(req.Payload, "critical")
	entityType := stringFrom(req.Payload, "entity_type")
	entityID := stringFrom(req.Payload, "entity_id")
	notifType := stringFrom(req.Payload, "notification_type")
	if notifType == "" {
		notifType = req.Event
	}

	rules, err := d.store.RulesForEvent(ctx, req.TenantID, req.Event)
	if err != nil {
		return Result{}, err
	}

	now := d.now()
	var items []storage.QueueItem
	matched := 0
	for _, rule := range rules {
		if !matchConditions(rule.Conditions, req.Payload) {
			continue
		}
		tmpl, ok, err := d.templates.Resolve(ctx, req.TenantID, rule.TemplateName)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			d.log.Warn("rule references missing template",
				logx.Int64("rule_id", rule.ID),
				logx.String("template", rule.TemplateName))
			continue
		}
		matched++

		providers := rule.Providers
		if len(providers) == 0 {
			providers = d.defaultProviders
		}

		for _, rcpt := range recipients {
			content, err := d.templates.Render(tmpl, renderData(req, rcpt))
			if err != nil {
				d.log.Error("template render failed",
					logx.String("template", rule.TemplateName),
					logx.Err(err))
				continue
			}
			items = append(items, d.newItem(req, rcpt, providers, content, critical, rule.QuietExempt, entityType, entityID, notifType, now))
		}
	}

	// Ad-hoc fallback: no matching rule but the payload carries a literal
	// message, so the pipeline still works for system messages.
	if matched == 0 {
		if msg := stringFrom(req.Payload, "message"); msg != "" {
			providers := stringsFrom(req.Payload, "channels")
			if len(providers) == 0 {
				providers = d.defaultProviders
			}
			for _, rcpt := range recipients {
				items = append(items, d.newItem(req, rcpt, providers, msg, critical, false, entityType, entityID, notifType, now))
			}
		}
	}

	if len(items) == 0 {
		return Result{}, nil
	}
	if err := d.store.EnqueueItems(ctx, items); err != nil {
		return Result{}, err
	}

	if d.bus != nil {
		for _, it := range items {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeQueued, Time: now, Data: QueuedEvent{
				TenantID:    it.TenantID,
				Event:       it.Event,
				RecipientID: it.RecipientID,
				ItemID:      it.ID,
			}})
		}
	}
	return Result{Queued: true, Created: len(items)}, nil
}

// QueuedEvent is published on the bus for every created queue item.
type QueuedEvent struct {
	TenantID    string
	Event       string
	RecipientID string
	ItemID      string
}

func (d *Dispatcher) newItem(req Request, recipient string, providers []string, content string, critical, quietExempt bool, entityType, entityID, notifType string, now time.Time) storage.QueueItem {
	return storage.QueueItem{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		Event:            req.Event,
		RecipientID:      recipient,
		Providers:        providers,
		Content:          content,
		Critical:         critical,
		QuietExempt:      quietExempt,
		NotificationType: notifType,
		EntityType:       entityType,
		EntityID:         entityID,
		Status:           storage.QueuePending,
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func renderData(req Request, recipient string) map[string]any {
	data := make(map[string]any, len(req.Payload)+4)
	for k, v := range req.Payload {
		data[k] = v
	}
	data["event"] = req.Event
	data["tenant_id"] = req.TenantID
	data["actor_id"] = req.ActorID
	data["recipient_id"] = recipient
	return data
}

// matchConditions requires every condition key to equal the payload value.
// An empty condition set always matches.
func matchConditions(cond map[string]any, payload map[string]any) bool {
	for k, want := range cond {
		got, ok := payload[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func stringFrom(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func boolFrom(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}

// stringsFrom accepts []string, []any of stringables, or a single string.
// JSON decoding produces []any, so all three shapes show up in practice.
func stringsFrom(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s := fmt.Sprint(e); s != "" && s != "<nil>" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
