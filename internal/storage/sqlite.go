package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"coachnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. With one connection
	// per process, every transaction below is serialized in-process; the busy
	// timeout covers contention between engine processes sharing the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// ---- queue ----

const queueColumns = `id, tenant_id, event, recipient_id, providers, provider_idx, content,
	critical, quiet_exempt, notification_type, entity_type, entity_id,
	status, retry_count, next_attempt_at, created_at, updated_at`

func (s *sqliteStore) EnqueueItems(ctx context.Context, items []QueueItem) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, it := range items {
		now := time.Now()
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
		if it.Status == "" {
			it.Status = QueuePending
		}
		if it.NextAttemptAt.IsZero() {
			it.NextAttemptAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items(`+queueColumns+`)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			it.ID, it.TenantID, it.Event, it.RecipientID, joinList(it.Providers), it.ProviderIdx, it.Content,
			boolInt(it.Critical), boolInt(it.QuietExempt), it.NotificationType, it.EntityType, it.EntityID,
			it.Status, it.RetryCount, ms(it.NextAttemptAt), ms(it.CreatedAt), ms(it.UpdatedAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE status IN (?,?) AND next_attempt_at <= ?
		 ORDER BY next_attempt_at LIMIT ?`,
		QueuePending, QueueRetrying, ms(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?,?) AND next_attempt_at <= ?`,
		QueueSending, ms(now), id, QueuePending, QueueRetrying, ms(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) UpdateQueueItem(ctx context.Context, it QueueItem) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET provider_idx = ?, status = ?, retry_count = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		it.ProviderIdx, it.Status, it.RetryCount, ms(it.NextAttemptAt), ms(time.Now()), it.ID,
	)
	return err
}

func (s *sqliteStore) GetQueueItem(ctx context.Context, id string) (QueueItem, bool, error) {
	if s == nil || s.db == nil {
		return QueueItem{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, false, nil
	}
	if err != nil {
		return QueueItem{}, false, err
	}
	return it, true, nil
}

func (s *sqliteStore) ReapStaleSending(ctx context.Context, olderThan, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	// A row stuck in "sending" past the provider timeout is an unknown
	// outcome after a crash; return it to the normal retry path.
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, next_attempt_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		QueueRetrying, ms(now), ms(now), QueueSending, ms(olderThan),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status IN (?,?) AND updated_at < ?`,
		QueueDelivered, QueueFailed, ms(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (QueueItem, error) {
	var (
		it                          QueueItem
		providers                   string
		critical, quietExempt       int
		nextAt, createdAt, updateAt int64
	)
	err := r.Scan(&it.ID, &it.TenantID, &it.Event, &it.RecipientID, &providers, &it.ProviderIdx, &it.Content,
		&critical, &quietExempt, &it.NotificationType, &it.EntityType, &it.EntityID,
		&it.Status, &it.RetryCount, &nextAt, &createdAt, &updateAt)
	if err != nil {
		return QueueItem{}, err
	}
	it.Providers = splitList(providers)
	it.Critical = critical != 0
	it.QuietExempt = quietExempt != 0
	it.NextAttemptAt = fromMS(nextAt)
	it.CreatedAt = fromMS(createdAt)
	it.UpdatedAt = fromMS(updateAt)
	return it, nil
}

// ---- delivery logs ----

const logColumns = `id, tenant_id, chat_id, provider, event_type, notification_type,
	entity_type, entity_id, uniq_key, status, attempts, last_error,
	last_attempt_at, created_at, delete_at`

func (s *sqliteStore) InsertDeliveryLog(ctx context.Context, l DeliveryLog) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_logs(`+logColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.ChatID, l.Provider, l.EventType, l.NotificationType,
		l.EntityType, l.EntityID, l.UniqKey, l.Status, l.Attempts, l.LastError,
		ms(l.LastAttemptAt), ms(l.CreatedAt), ms(l.DeleteAt),
	)
	return err
}

func (s *sqliteStore) GetOrCreateDeliveryLog(ctx context.Context, l DeliveryLog) (DeliveryLog, bool, error) {
	if s == nil || s.db == nil {
		return DeliveryLog{}, false, ErrDisabled
	}
	if l.UniqKey == "" {
		if err := s.InsertDeliveryLog(ctx, l); err != nil {
			return DeliveryLog{}, false, err
		}
		return l, true, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeliveryLog{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := selectLatestLog(ctx, tx, l.UniqKey)
	if err != nil {
		return DeliveryLog{}, false, err
	}
	if found {
		_ = tx.Rollback()
		return existing, false, nil
	}

	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO delivery_logs(`+logColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.ChatID, l.Provider, l.EventType, l.NotificationType,
		l.EntityType, l.EntityID, l.UniqKey, l.Status, l.Attempts, l.LastError,
		ms(l.LastAttemptAt), ms(l.CreatedAt), ms(l.DeleteAt),
	)
	if err != nil {
		// The partial unique index is the cross-process backstop: another
		// process created the active row between our select and insert.
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, found, err2 := s.findLatestLog(ctx, l.UniqKey)
			if err2 != nil {
				return DeliveryLog{}, false, err2
			}
			if found {
				return existing, false, nil
			}
		}
		return DeliveryLog{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return DeliveryLog{}, false, err
	}
	return l, true, nil
}

// findLatestLog returns the newest row holding the key, terminal statuses
// included: a permanently_failed row keeps claiming its key so repeat sends
// short-circuit instead of re-attempting.
func (s *sqliteStore) findLatestLog(ctx context.Context, uniqKey string) (DeliveryLog, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM delivery_logs
		 WHERE uniq_key = ? ORDER BY created_at DESC LIMIT 1`,
		uniqKey)
	l, err := scanDeliveryLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryLog{}, false, nil
	}
	if err != nil {
		return DeliveryLog{}, false, err
	}
	return l, true, nil
}

func selectLatestLog(ctx context.Context, tx *sql.Tx, uniqKey string) (DeliveryLog, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM delivery_logs
		 WHERE uniq_key = ? ORDER BY created_at DESC LIMIT 1`,
		uniqKey)
	l, err := scanDeliveryLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryLog{}, false, nil
	}
	if err != nil {
		return DeliveryLog{}, false, err
	}
	return l, true, nil
}

func (s *sqliteStore) UpdateDeliveryLog(ctx context.Context, l DeliveryLog) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_logs
		 SET provider = ?, status = ?, attempts = ?, last_error = ?, last_attempt_at = ?, delete_at = ?
		 WHERE id = ?`,
		l.Provider, l.Status, l.Attempts, l.LastError, ms(l.LastAttemptAt), ms(l.DeleteAt), l.ID,
	)
	return err
}

func (s *sqliteStore) RecentDeliveredExists(ctx context.Context, tenantID, eventType, entityID, chatID string, since time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delivery_logs
		 WHERE tenant_id = ? AND event_type = ? AND entity_id = ? AND chat_id = ?
		   AND status IN (?,?,?) AND last_attempt_at >= ?
		 LIMIT 1`,
		tenantID, eventType, entityID, chatID,
		LogSent, LogDelivered, LogDuplicateSuppressed, ms(since),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) PurgeDeliveryLogs(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_logs WHERE delete_at > 0 AND delete_at < ?`, ms(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanDeliveryLog(r rowScanner) (DeliveryLog, error) {
	var (
		l                           DeliveryLog
		lastAt, createdAt, deleteAt int64
	)
	err := r.Scan(&l.ID, &l.TenantID, &l.ChatID, &l.Provider, &l.EventType, &l.NotificationType,
		&l.EntityType, &l.EntityID, &l.UniqKey, &l.Status, &l.Attempts, &l.LastError,
		&lastAt, &createdAt, &deleteAt)
	if err != nil {
		return DeliveryLog{}, err
	}
	l.LastAttemptAt = fromMS(lastAt)
	l.CreatedAt = fromMS(createdAt)
	l.DeleteAt = fromMS(deleteAt)
	return l, nil
}

// ---- circuit breaker rows ----

func (s *sqliteStore) WithCircuit(ctx context.Context, tenantID, provider string, fn func(*CircuitState) error) (CircuitState, error) {
	if s == nil || s.db == nil {
		return CircuitState{}, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CircuitState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cs := CircuitState{TenantID: tenantID, Provider: provider, State: CircuitClosed}
	var lastFail, changed int64
	err = tx.QueryRowContext(ctx,
		`SELECT state, failure_count, success_count, last_failure_at, changed_at
		 FROM circuit_states WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider,
	).Scan(&cs.State, &cs.FailureCount, &cs.SuccessCount, &lastFail, &changed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CircuitState{}, err
	}
	cs.LastFailureAt = fromMS(lastFail)
	cs.ChangedAt = fromMS(changed)

	if err := fn(&cs); err != nil {
		return cs, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO circuit_states(tenant_id, provider, state, failure_count, success_count, last_failure_at, changed_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, provider) DO UPDATE SET
		   state=excluded.state, failure_count=excluded.failure_count,
		   success_count=excluded.success_count, last_failure_at=excluded.last_failure_at,
		   changed_at=excluded.changed_at`,
		tenantID, provider, cs.State, cs.FailureCount, cs.SuccessCount,
		ms(cs.LastFailureAt), ms(cs.ChangedAt),
	)
	if err != nil {
		return CircuitState{}, err
	}
	if err := tx.Commit(); err != nil {
		return CircuitState{}, err
	}
	return cs, nil
}

// ---- rate limit rows ----

func (s *sqliteStore) WithRateLimit(ctx context.Context, tenantID, scopeType, scopeKey, action string, fn func(*RateLimitState) error) (RateLimitState, error) {
	if s == nil || s.db == nil {
		return RateLimitState{}, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RateLimitState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rl := RateLimitState{TenantID: tenantID, ScopeType: scopeType, ScopeKey: scopeKey, Action: action}
	var windowStart int64
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_limits
		 WHERE tenant_id = ? AND scope_type = ? AND scope_key = ? AND action = ?`,
		tenantID, scopeType, scopeKey, action,
	).Scan(&windowStart, &rl.Count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return RateLimitState{}, err
	}
	rl.WindowStart = fromMS(windowStart)

	if err := fn(&rl); err != nil {
		return rl, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rate_limits(tenant_id, scope_type, scope_key, action, window_start, count)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, scope_type, scope_key, action) DO UPDATE SET
		   window_start=excluded.window_start, count=excluded.count`,
		tenantID, scopeType, scopeKey, action, ms(rl.WindowStart), rl.Count,
	)
	if err != nil {
		return RateLimitState{}, err
	}
	if err := tx.Commit(); err != nil {
		return RateLimitState{}, err
	}
	return rl, nil
}

// ---- rules & templates ----

func (s *sqliteStore) RulesForEvent(ctx context.Context, tenantID, event string) ([]Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, event, enabled, template_name, providers, conditions, quiet_exempt
		 FROM notification_rules WHERE tenant_id = ? AND event = ? AND enabled = 1
		 ORDER BY id`,
		tenantID, event,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			r                     Rule
			enabled, quietExempt  int
			providers, conditions string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Event, &enabled, &r.TemplateName, &providers, &conditions, &quietExempt); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.QuietExempt = quietExempt != 0
		r.Providers = splitList(providers)
		if strings.TrimSpace(conditions) != "" {
			if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
				s.log.Warn("rule has malformed conditions, skipping match", logx.Int64("rule_id", r.ID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertRule(ctx context.Context, r Rule) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	conditions := ""
	if len(r.Conditions) > 0 {
		b, err := json.Marshal(r.Conditions)
		if err != nil {
			return 0, err
		}
		conditions = string(b)
	}
	if r.ID > 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE notification_rules
			 SET enabled = ?, template_name = ?, providers = ?, conditions = ?, quiet_exempt = ?
			 WHERE id = ?`,
			boolInt(r.Enabled), r.TemplateName, joinList(r.Providers), conditions, boolInt(r.QuietExempt), r.ID,
		)
		return r.ID, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_rules(tenant_id, event, enabled, template_name, providers, conditions, quiet_exempt)
		 VALUES(?,?,?,?,?,?,?)`,
		r.TenantID, r.Event, boolInt(r.Enabled), r.TemplateName, joinList(r.Providers), conditions, boolInt(r.QuietExempt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ActiveTemplate(ctx context.Context, tenantID, name string) (Template, bool, error) {
	if s == nil || s.db == nil {
		return Template{}, false, ErrDisabled
	}
	var (
		t         Template
		active    int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, version, body, provider_hint, active, created_at
		 FROM message_templates
		 WHERE tenant_id = ? AND name = ? AND active = 1
		 ORDER BY version DESC LIMIT 1`,
		tenantID, name,
	).Scan(&t.TenantID, &t.Name, &t.Version, &t.Body, &t.ProviderHint, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, false, nil
	}
	if err != nil {
		return Template{}, false, err
	}
	t.Active = active != 0
	t.CreatedAt = fromMS(createdAt)
	return t, true, nil
}

func (s *sqliteStore) UpsertTemplate(ctx context.Context, tenantID, name, body, providerHint string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM message_templates WHERE tenant_id = ? AND name = ?`,
		tenantID, name,
	).Scan(&maxVersion)
	if err != nil {
		return 0, err
	}
	version := int(maxVersion.Int64) + 1

	if _, err := tx.ExecContext(ctx,
		`UPDATE message_templates SET active = 0 WHERE tenant_id = ? AND name = ?`,
		tenantID, name,
	); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_templates(tenant_id, name, version, body, provider_hint, active, created_at)
		 VALUES(?,?,?,?,?,1,?)`,
		tenantID, name, version, body, providerHint, ms(time.Now()),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// ---- dead letters ----

func (s *sqliteStore) AppendDeadLetter(ctx context.Context, d DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(id, source, tenant_id, item_id, event, recipient_id, content,
		                          entity_type, entity_id, error, attempts, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Source, d.TenantID, d.ItemID, d.Event, d.RecipientID, d.Content,
		d.EntityType, d.EntityID, d.Error, d.Attempts, ms(d.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, tenant_id, item_id, event, recipient_id, content,
		        entity_type, entity_id, error, attempts, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d         DeadLetter
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.Source, &d.TenantID, &d.ItemID, &d.Event, &d.RecipientID, &d.Content,
			&d.EntityType, &d.EntityID, &d.Error, &d.Attempts, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMS(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TrimDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE created_at < ?`, ms(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant_id, kind, provider, chat_id, ref_id, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.TenantID, e.Kind, e.Provider, e.ChatID, e.RefID, e.Detail,
	)
	return err
}

// ---- helpers ----

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func joinList(v []string) string {
	return strings.Join(v, ",")
}

func splitList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
