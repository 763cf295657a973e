package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"coachnotify/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if st == nil {
		t.Fatal("open returned a nil store for the sqlite driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st == nil {
			t.Fatalf("Open(%q) = nil, want a disabled store", driver)
		}
		if err := st.Ping(context.Background()); !errors.Is(err, ErrDisabled) {
			t.Fatalf("Ping on disabled store = %v, want ErrDisabled", err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("Close on disabled store: %v", err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestQueueClaimLifecycle(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	items := []QueueItem{
		{ID: "q1", TenantID: "acme", Event: "session_reminder", RecipientID: "chat-1",
			Providers: []string{"telegram", "whatsapp"}, Content: "hello", NextAttemptAt: now.Add(-time.Second)},
		{ID: "q2", TenantID: "acme", Event: "session_reminder", RecipientID: "chat-2",
			Providers: []string{"telegram"}, Content: "hello", NextAttemptAt: now.Add(time.Hour)},
	}
	if err := st.EnqueueItems(ctx, items); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := st.DueQueueItems(ctx, now, 50)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "q1" {
		t.Fatalf("due = %+v, want only q1", due)
	}
	if got := due[0].Providers; len(got) != 2 || got[0] != "telegram" || got[1] != "whatsapp" {
		t.Fatalf("providers = %v, want ordered pair", got)
	}
	if due[0].Status != QueuePending {
		t.Fatalf("status = %q, want %q", due[0].Status, QueuePending)
	}

	ok, err := st.ClaimQueueItem(ctx, "q1", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatal("claim of a due pending item failed")
	}
	ok, err = st.ClaimQueueItem(ctx, "q1", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("item claimed twice")
	}

	// A future-dated retrying item is not claimable yet.
	it, found, err := st.GetQueueItem(ctx, "q1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	it.Status = QueueRetrying
	it.RetryCount = 1
	it.NextAttemptAt = now.Add(time.Minute)
	if err := st.UpdateQueueItem(ctx, it); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, _ := st.ClaimQueueItem(ctx, "q1", now); ok {
		t.Fatal("claimed a retrying item before its next attempt")
	}
	if ok, _ := st.ClaimQueueItem(ctx, "q1", now.Add(2*time.Minute)); !ok {
		t.Fatal("retrying item not claimable after its next attempt")
	}
}

func TestReapStaleSending(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := st.EnqueueItems(ctx, []QueueItem{
		{ID: "q1", TenantID: "acme", Event: "e", RecipientID: "c", Providers: []string{"telegram"},
			NextAttemptAt: now.Add(-time.Second)},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, _ := st.ClaimQueueItem(ctx, "q1", now); !ok {
		t.Fatal("claim failed")
	}

	// Too recent to reap.
	n, err := st.ReapStaleSending(ctx, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d fresh sending rows", n)
	}

	later := now.Add(10 * time.Minute)
	n, err = st.ReapStaleSending(ctx, later.Add(-time.Minute), later)
	if err != nil {
		t.Fatalf("reap stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	it, _, err := st.GetQueueItem(ctx, "q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.Status != QueueRetrying {
		t.Fatalf("status = %q, want %q", it.Status, QueueRetrying)
	}
	if ok, _ := st.ClaimQueueItem(ctx, "q1", later); !ok {
		t.Fatal("reaped item not claimable")
	}
}

func TestDeleteDeliveredBefore(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.EnqueueItems(ctx, []QueueItem{
		{ID: "done", TenantID: "acme", Event: "e", RecipientID: "c", Providers: []string{"telegram"}},
		{ID: "live", TenantID: "acme", Event: "e", RecipientID: "c", Providers: []string{"telegram"}},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done, _, _ := st.GetQueueItem(ctx, "done")
	done.Status = QueueDelivered
	if err := st.UpdateQueueItem(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := st.DeleteDeliveredBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, found, _ := st.GetQueueItem(ctx, "live"); !found {
		t.Fatal("pending item swept by the delivered cleanup")
	}
}

func TestGetOrCreateDeliveryLogIdempotency(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	base := DeliveryLog{
		ID:       "log-1",
		TenantID: "acme",
		ChatID:   "chat-1",
		UniqKey:  "acme:session_reminder:sess-9:chat-1",
		Status:   LogPending,
	}
	got, created, err := st.GetOrCreateDeliveryLog(ctx, base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || got.ID != "log-1" {
		t.Fatalf("created = %v id = %q, want new log-1", created, got.ID)
	}

	dup := base
	dup.ID = "log-2"
	got, created, err = st.GetOrCreateDeliveryLog(ctx, dup)
	if err != nil {
		t.Fatalf("get existing: %v", err)
	}
	if created || got.ID != "log-1" {
		t.Fatalf("created = %v id = %q, want existing log-1", created, got.ID)
	}

	// A terminally failed row keeps the key: repeat triggers surface it
	// instead of opening a fresh log.
	got.Status = LogPermanentlyFailed
	if err := st.UpdateDeliveryLog(ctx, got); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	got, created, err = st.GetOrCreateDeliveryLog(ctx, dup)
	if err != nil {
		t.Fatalf("lookup after terminal: %v", err)
	}
	if created || got.ID != "log-1" || got.Status != LogPermanentlyFailed {
		t.Fatalf("created = %v id = %q status = %q, want the terminal log-1", created, got.ID, got.Status)
	}
}

func TestGetOrCreateDeliveryLogNoKey(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	// Attempt records carry no idempotency key and always insert.
	for _, id := range []string{"a1", "a2", "a3"} {
		_, created, err := st.GetOrCreateDeliveryLog(ctx, DeliveryLog{
			ID: id, TenantID: "acme", ChatID: "chat-1", Status: LogFailed,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if !created {
			t.Fatalf("keyless insert %s deduplicated", id)
		}
	}
}

func TestPurgeDeliveryLogs(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	logs := []DeliveryLog{
		{ID: "expired", TenantID: "acme", ChatID: "c", Status: LogSent, DeleteAt: now.Add(-time.Hour)},
		{ID: "fresh", TenantID: "acme", ChatID: "c", Status: LogSent, DeleteAt: now.Add(time.Hour)},
		{ID: "keep-forever", TenantID: "acme", ChatID: "c", Status: LogSent},
	}
	for _, l := range logs {
		if err := st.InsertDeliveryLog(ctx, l); err != nil {
			t.Fatalf("insert %s: %v", l.ID, err)
		}
	}

	n, err := st.PurgeDeliveryLogs(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
}

func TestTemplateVersioning(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	v, err := st.UpsertTemplate(ctx, "acme", "session_reminder", "Hi {{.Name}}", "")
	if err != nil {
		t.Fatalf("upsert v1: %v", err)
	}
	if v != 1 {
		t.Fatalf("first version = %d, want 1", v)
	}
	v, err = st.UpsertTemplate(ctx, "acme", "session_reminder", "Hello {{.Name}}", "telegram")
	if err != nil {
		t.Fatalf("upsert v2: %v", err)
	}
	if v != 2 {
		t.Fatalf("second version = %d, want 2", v)
	}

	tmpl, found, err := st.ActiveTemplate(ctx, "acme", "session_reminder")
	if err != nil || !found {
		t.Fatalf("active: found=%v err=%v", found, err)
	}
	if tmpl.Version != 2 || tmpl.Body != "Hello {{.Name}}" || tmpl.ProviderHint != "telegram" {
		t.Fatalf("active template = %+v, want version 2", tmpl)
	}

	// Other tenants do not see it.
	if _, found, err := st.ActiveTemplate(ctx, "globex", "session_reminder"); err != nil || found {
		t.Fatalf("cross-tenant lookup: found=%v err=%v", found, err)
	}
}

func TestRulesForEvent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	rules := []Rule{
		{TenantID: "acme", Event: "session_reminder", Enabled: true, TemplateName: "reminder",
			Providers: []string{"telegram"}, Conditions: map[string]any{"plan": "pro"}},
		{TenantID: "acme", Event: "session_reminder", Enabled: false, TemplateName: "old"},
		{TenantID: "acme", Event: "session_cancelled", Enabled: true, TemplateName: "cancel"},
		{TenantID: "globex", Event: "session_reminder", Enabled: true, TemplateName: "other"},
	}
	for i, r := range rules {
		if _, err := st.UpsertRule(ctx, r); err != nil {
			t.Fatalf("upsert rule %d: %v", i, err)
		}
	}

	got, err := st.RulesForEvent(ctx, "acme", "session_reminder")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(got) != 1 || got[0].TemplateName != "reminder" {
		t.Fatalf("rules = %+v, want only the enabled acme reminder rule", got)
	}
	if got[0].Conditions["plan"] != "pro" {
		t.Fatalf("conditions = %v, want plan=pro round-tripped", got[0].Conditions)
	}

	// Update by id flips the enabled flag.
	r := got[0]
	r.Enabled = false
	if _, err := st.UpsertRule(ctx, r); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	got, err = st.RulesForEvent(ctx, "acme", "session_reminder")
	if err != nil {
		t.Fatalf("rules after disable: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("disabled rule still returned: %+v", got)
	}
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := DeadLetter{
		ID: "d1", Source: "worker", TenantID: "acme", ItemID: "q1",
		Event: "session_reminder", RecipientID: "chat-1", Content: "hello",
		Error: "telegram: 502", Attempts: 6, CreatedAt: now.Add(-48 * time.Hour),
	}
	recent := DeadLetter{
		ID: "d2", Source: "gateway", TenantID: "acme", RecipientID: "chat-2",
		Event: "session_cancelled", Content: "bye", Error: "whatsapp: timeout",
		Attempts: 1, CreatedAt: now,
	}
	for _, d := range []DeadLetter{old, recent} {
		if err := st.AppendDeadLetter(ctx, d); err != nil {
			t.Fatalf("append %s: %v", d.ID, err)
		}
	}

	got, err := st.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d2" {
		t.Fatalf("list = %+v, want newest first", got)
	}
	if got[1].Content != "hello" || got[1].Attempts != 6 || got[1].ItemID != "q1" {
		t.Fatalf("replay fields lost: %+v", got[1])
	}

	n, err := st.TrimDeadLetters(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n != 1 {
		t.Fatalf("trimmed = %d, want 1", n)
	}
	got, _ = st.DeadLetters(ctx, 10)
	if len(got) != 1 || got[0].ID != "d2" {
		t.Fatalf("after trim = %+v, want only d2", got)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	t.Parallel()

	var st *sqliteStore
	ctx := context.Background()
	if err := st.Ping(ctx); err != ErrDisabled {
		t.Fatalf("Ping on nil store = %v, want ErrDisabled", err)
	}
	if _, err := st.DueQueueItems(ctx, time.Now(), 10); err != ErrDisabled {
		t.Fatalf("DueQueueItems on nil store = %v, want ErrDisabled", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close on nil store = %v, want nil", err)
	}
}
