package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	tmplengine "coachnotify/internal/engine/template"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, storage.Store, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "engine.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	d := New(st, tmplengine.New(st, logx.Nop()), bus, logx.Nop(), []string{"telegram"})
	return d, st, bus
}

func seedRule(t *testing.T, st storage.Store, r storage.Rule) {
	t.Helper()
	if _, err := st.UpsertRule(context.Background(), r); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func seedTemplate(t *testing.T, st storage.Store, tenant, name, body string) {
	t.Helper()
	if _, err := st.UpsertTemplate(context.Background(), tenant, name, body, ""); err != nil {
		t.Fatalf("seed template: %v", err)
	}
}

func TestEmitFanOut(t *testing.T) {
	t.Parallel()

	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	seedTemplate(t, st, "acme", "reminder", "Hi {{.recipient_id}}, {{.session}} starts soon")
	seedRule(t, st, storage.Rule{
		TenantID: "acme", Event: "session_reminder", Enabled: true,
		TemplateName: "reminder", Providers: []string{"telegram", "whatsapp"},
	})

	res, err := d.Emit(ctx, Request{
		Event:    "session_reminder",
		TenantID: "acme",
		Payload: map[string]any{
			"recipients": []string{"chat-1", "chat-2"},
			"session":    "Yoga",
			"entity_id":  "sess-9",
		},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !res.Queued || res.Created != 2 {
		t.Fatalf("result = %+v, want 2 items queued", res)
	}

	due, err := st.DueQueueItems(ctx, time.Now().Add(time.Second), 50)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("queue has %d items, want 2", len(due))
	}
	seen := map[string]bool{}
	for _, it := range due {
		seen[it.RecipientID] = true
		if len(it.Providers) != 2 || it.Providers[0] != "telegram" {
			t.Fatalf("providers = %v, want the rule's ordered list", it.Providers)
		}
		if it.EntityID != "sess-9" || it.NotificationType != "session_reminder" {
			t.Fatalf("item metadata = %+v", it)
		}
		want := "Hi " + it.RecipientID + ", Yoga starts soon"
		if it.Content != want {
			t.Fatalf("content = %q, want %q", it.Content, want)
		}
	}
	if !seen["chat-1"] || !seen["chat-2"] {
		t.Fatalf("recipients = %v, want chat-1 and chat-2", seen)
	}
}

func TestEmitAdHocFallback(t *testing.T) {
	t.Parallel()

	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Emit(ctx, Request{
		Event:    "maintenance_notice",
		TenantID: "acme",
		ActorID:  "chat-7",
		Payload: map[string]any{
			"message":  "Server restart at midnight",
			"channels": []any{"whatsapp"},
		},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created = %d, want 1 ad-hoc item", res.Created)
	}

	due, _ := st.DueQueueItems(ctx, time.Now().Add(time.Second), 50)
	if len(due) != 1 {
		t.Fatalf("queue has %d items", len(due))
	}
	it := due[0]
	if it.RecipientID != "chat-7" {
		t.Fatalf("recipient = %q, want the actor fallback", it.RecipientID)
	}
	if it.Content != "Server restart at midnight" {
		t.Fatalf("content = %q", it.Content)
	}
	if len(it.Providers) != 1 || it.Providers[0] != "whatsapp" {
		t.Fatalf("providers = %v, want the requested channel", it.Providers)
	}
}

func TestEmitNoRuleNoMessage(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDispatcher(t)

	res, err := d.Emit(context.Background(), Request{
		Event:    "unknown_event",
		TenantID: "acme",
		ActorID:  "chat-1",
		Payload:  map[string]any{"foo": "bar"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if res.Queued || res.Created != 0 {
		t.Fatalf("result = %+v, want nothing queued and no error", res)
	}
}

func TestEmitConditions(t *testing.T) {
	t.Parallel()

	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	seedTemplate(t, st, "acme", "pro-only", "pro perk")
	seedRule(t, st, storage.Rule{
		TenantID: "acme", Event: "perk_unlocked", Enabled: true,
		TemplateName: "pro-only", Conditions: map[string]any{"plan": "pro"},
	})

	res, err := d.Emit(ctx, Request{
		Event:    "perk_unlocked",
		TenantID: "acme",
		ActorID:  "chat-1",
		Payload:  map[string]any{"plan": "basic"},
	})
	if err != nil {
		t.Fatalf("emit mismatched: %v", err)
	}
	if res.Created != 0 {
		t.Fatalf("condition mismatch still queued %d items", res.Created)
	}

	res, err = d.Emit(ctx, Request{
		Event:    "perk_unlocked",
		TenantID: "acme",
		ActorID:  "chat-1",
		Payload:  map[string]any{"plan": "pro"},
	})
	if err != nil {
		t.Fatalf("emit matched: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("matching condition queued %d items, want 1", res.Created)
	}
}

func TestEmitSkipsMissingTemplate(t *testing.T) {
	t.Parallel()

	d, st, _ := newTestDispatcher(t)

	seedRule(t, st, storage.Rule{
		TenantID: "acme", Event: "session_reminder", Enabled: true,
		TemplateName: "never-created",
	})

	res, err := d.Emit(context.Background(), Request{
		Event:    "session_reminder",
		TenantID: "acme",
		ActorID:  "chat-1",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if res.Created != 0 {
		t.Fatalf("rule with a missing template queued %d items", res.Created)
	}
}

func TestEmitValidation(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDispatcher(t)
	if _, err := d.Emit(context.Background(), Request{TenantID: "acme"}); err == nil {
		t.Fatal("missing event accepted")
	}
	if _, err := d.Emit(context.Background(), Request{Event: "x"}); err == nil {
		t.Fatal("missing tenant accepted")
	}
}

func TestEmitPublishesQueuedEvents(t *testing.T) {
	t.Parallel()

	d, st, bus := newTestDispatcher(t)
	ctx := context.Background()

	events, cancel := bus.Subscribe(8)
	defer cancel()

	seedTemplate(t, st, "acme", "reminder", "hi")
	seedRule(t, st, storage.Rule{
		TenantID: "acme", Event: "session_reminder", Enabled: true, TemplateName: "reminder",
	})

	if _, err := d.Emit(ctx, Request{Event: "session_reminder", TenantID: "acme", ActorID: "chat-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeQueued {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TypeQueued)
		}
		qe, ok := ev.Data.(QueuedEvent)
		if !ok {
			t.Fatalf("event data = %T", ev.Data)
		}
		if qe.TenantID != "acme" || qe.RecipientID != "chat-1" || qe.ItemID == "" {
			t.Fatalf("queued event = %+v", qe)
		}
	case <-time.After(time.Second):
		t.Fatal("no queued event published")
	}
}

func TestStringsFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload map[string]any
		want    int
	}{
		{"string slice", map[string]any{"recipients": []string{"a", "b"}}, 2},
		{"any slice from json", map[string]any{"recipients": []any{"a", "b", "c"}}, 3},
		{"single string", map[string]any{"recipients": "a"}, 1},
		{"empty string", map[string]any{"recipients": ""}, 0},
		{"wrong type", map[string]any{"recipients": 42}, 0},
		{"nil payload", nil, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := stringsFrom(tt.payload, "recipients"); len(got) != tt.want {
				t.Fatalf("stringsFrom = %v, want %d entries", got, tt.want)
			}
		})
	}
}
