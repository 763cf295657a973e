// Package gateway is the synchronous send path. Callers block for the
// provider round trip and get a structured verdict per recipient; the same
// policy object that governs the async worker governs every decision here.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coachnotify/internal/engine"
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/engine/template"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/provider"
	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// Config tunes the synchronous path.
type Config struct {
	ProviderTimeout time.Duration // bound on one provider call, default 8s

	// Per-recipient fixed-window limit.
	UserRateMax    int
	UserRateWindow time.Duration

	DefaultProvider string // used when the request has none, default "telegram"

	LogRetention time.Duration // delete_at horizon on new log rows, default 30d
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 8 * time.Second
	}
	if c.UserRateMax <= 0 {
		c.UserRateMax = 20
	}
	if c.UserRateWindow <= 0 {
		c.UserRateWindow = time.Minute
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = string(provider.KindTelegram)
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	return c
}

// Request is one synchronous notification to one or more recipients.
type Request struct {
	TenantID  string
	EventType string

	// Either a stored template name or an inline body. Template wins.
	TemplateName string
	Message      string
	Data         map[string]any

	Provider string // empty means Config.DefaultProvider

	NotificationType string
	EntityType       string
	EntityID         string

	// UniqKey declares an idempotency key. Empty derives one from
	// (tenant, event, entity, recipient); set NoUniq to opt out entirely.
	UniqKey string
	NoUniq  bool

	MaxRetries   int           // per-request override, 0 means policy default
	RetryBackoff time.Duration // per-request backoff base override, 0 means policy default
}

// Result is the verdict for one recipient.
type Result struct {
	ChatID     string
	OK         bool
	Status     string         // delivery log status the row was left in
	Outcome    policy.Outcome // why the send was blocked, OutcomeOK otherwise
	LogID      string
	Attempts   int
	RetryAfter time.Duration // earliest sensible resend when rate limited or in backoff
	Error      string
}

// Gateway executes synchronous sends.
type Gateway struct {
	cfg       Config
	store     storage.Store
	pol       *policy.Delivery
	providers *provider.Registry
	templates *template.Engine
	tenants   engine.TenantSource
	bus       eventbus.Bus
	log       logx.Logger

	now func() time.Time
}

func New(cfg Config, store storage.Store, pol *policy.Delivery, providers *provider.Registry, templates *template.Engine, tenants engine.TenantSource, bus eventbus.Bus, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:       cfg.withDefaults(),
		store:     store,
		pol:       pol,
		providers: providers,
		templates: templates,
		tenants:   tenants,
		bus:       bus,
		log:       log.With(logx.String("comp", "gateway")),
		now:       time.Now,
	}
}

// Send delivers one notification to each recipient in turn and reports a
// per-recipient verdict. A blocked recipient never aborts the rest.
func (g *Gateway) Send(ctx context.Context, req Request, recipients []string) ([]Result, error) {
	if req.TenantID == "" || req.EventType == "" {
		return nil, fmt.Errorf("gateway: tenant and event type are required")
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	content, err := g.render(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(recipients))
	for _, chatID := range recipients {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		out = append(out, g.sendOne(ctx, req, chatID, content))
	}
	return out, nil
}

func (g *Gateway) render(ctx context.Context, req Request) (string, error) {
	if req.TemplateName != "" {
		tmpl, ok, err := g.templates.Resolve(ctx, req.TenantID, req.TemplateName)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("gateway: template %q not found for tenant %s", req.TemplateName, req.TenantID)
		}
		return g.templates.Render(tmpl, req.Data)
	}
	if req.Message == "" {
		return "", fmt.Errorf("gateway: request needs a template name or a message")
	}
	return template.RenderString(req.Message, req.Data)
}

func (g *Gateway) sendOne(ctx context.Context, req Request, chatID, content string) Result {
	now := g.now()
	providerName := req.Provider
	if providerName == "" {
		providerName = g.cfg.DefaultProvider
	}

	dec, err := g.pol.CheckRate(ctx, req.TenantID, policy.ScopeUser, chatID, req.EventType,
		g.cfg.UserRateMax, g.cfg.UserRateWindow)
	if err != nil {
		return Result{ChatID: chatID, Outcome: policy.OutcomeOK, Error: err.Error()}
	}
	if !dec.Allowed() {
		return Result{ChatID: chatID, Outcome: dec.Outcome, RetryAfter: dec.RetryAfter}
	}

	uniq := req.UniqKey
	if uniq == "" && !req.NoUniq {
		uniq = policy.UniqKey(req.TenantID, req.EventType, req.EntityID, chatID)
	}

	l, created, err := g.store.GetOrCreateDeliveryLog(ctx, storage.DeliveryLog{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		ChatID:           chatID,
		Provider:         providerName,
		EventType:        req.EventType,
		NotificationType: req.NotificationType,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		UniqKey:          uniq,
		Status:           storage.LogPending,
		CreatedAt:        now,
		DeleteAt:         now.Add(g.cfg.LogRetention),
	})
	if err != nil {
		return Result{ChatID: chatID, Outcome: policy.OutcomeOK, Error: err.Error()}
	}

	if !created {
		// An earlier row already holds this idempotency key.
		switch l.Status {
		case storage.LogSent, storage.LogDelivered:
			return Result{ChatID: chatID, OK: true, Status: l.Status,
				Outcome: policy.OutcomeDuplicate, LogID: l.ID, Attempts: l.Attempts}
		case storage.LogPermanentlyFailed:
			// Terminal rows never get a fresh attempt. The dead letter was
			// written when the row went terminal.
			return Result{ChatID: chatID, Status: l.Status,
				Outcome: policy.OutcomePermanentFailure, LogID: l.ID, Attempts: l.Attempts,
				Error: l.LastError}
		case storage.LogFailed, storage.LogFailedBackoff:
			// Honor the backoff window before letting the retry through.
			wait := g.pol.Delay(l.Attempts, req.RetryBackoff)
			if until := l.LastAttemptAt.Add(wait); now.Before(until) {
				return Result{ChatID: chatID, Status: l.Status,
					Outcome: policy.OutcomeRateLimited, LogID: l.ID, Attempts: l.Attempts,
					RetryAfter: until.Sub(now),
					Error:      fmt.Sprintf("retry allowed at %s", until.UTC().Format(time.RFC3339))}
			}
		}
	}

	if dup, err := g.pol.Duplicate(ctx, req.TenantID, req.EventType, req.EntityID, chatID, 0); err != nil {
		g.log.Error("dedup check failed", logx.String("chat", chatID), logx.Err(err))
	} else if dup {
		l.Status = storage.LogDuplicateSuppressed
		l.LastAttemptAt = now
		g.updateLog(ctx, l)
		return Result{ChatID: chatID, OK: true, Status: l.Status,
			Outcome: policy.OutcomeDuplicate, LogID: l.ID, Attempts: l.Attempts}
	}

	allowed, _, err := g.pol.CircuitAllow(ctx, req.TenantID, providerName)
	if err != nil {
		return Result{ChatID: chatID, Outcome: policy.OutcomeOK, LogID: l.ID, Error: err.Error()}
	}
	if !allowed {
		l.Status = storage.LogFailedBackoff
		l.LastError = "circuit open"
		l.LastAttemptAt = now
		g.updateLog(ctx, l)
		return Result{ChatID: chatID, Status: l.Status,
			Outcome: policy.OutcomeCircuitOpen, LogID: l.ID, Attempts: l.Attempts}
	}

	return g.attempt(ctx, req, l, providerName, chatID, content)
}

func (g *Gateway) attempt(ctx context.Context, req Request, l storage.DeliveryLog, providerName, chatID, content string) Result {
	now := g.now()
	l.Attempts++
	l.LastAttemptAt = now

	res, err := g.callProvider(ctx, req.TenantID, providerName, chatID, content)
	if err == nil {
		g.recordCircuit(ctx, req.TenantID, providerName, true)
		l.Status = storage.LogSent
		l.LastError = ""
		g.updateLog(ctx, l)
		g.log.Info("notification sent",
			logx.String("tenant", req.TenantID),
			logx.String("event", req.EventType),
			logx.String("chat", chatID),
			logx.String("provider", providerName),
			logx.String("message_id", res.MessageID))
		g.publish(eventbus.TypeDelivered, l)
		return Result{ChatID: chatID, OK: true, Status: l.Status,
			Outcome: policy.OutcomeOK, LogID: l.ID, Attempts: l.Attempts}
	}

	if !provider.IsConfig(err) {
		g.recordCircuit(ctx, req.TenantID, providerName, false)
	}

	l.LastError = err.Error()
	if provider.IsConfig(err) || l.Attempts > g.pol.MaxRetries(req.MaxRetries) {
		l.Status = storage.LogPermanentlyFailed
		g.updateLog(ctx, l)
		dl := storage.DeadLetter{
			ID:          uuid.NewString(),
			Source:      "gateway",
			TenantID:    req.TenantID,
			Event:       req.EventType,
			RecipientID: chatID,
			Content:     content,
			EntityType:  req.EntityType,
			EntityID:    req.EntityID,
			Error:       err.Error(),
			Attempts:    l.Attempts,
			CreatedAt:   now,
		}
		if derr := g.store.AppendDeadLetter(ctx, dl); derr != nil {
			g.log.Error("appending dead letter failed", logx.Err(derr))
		}
		g.log.Error("notification permanently failed",
			logx.String("tenant", req.TenantID),
			logx.String("event", req.EventType),
			logx.String("chat", chatID),
			logx.Err(err))
		g.publish(eventbus.TypeDeadLetter, l)
	} else {
		l.Status = storage.LogFailed
		g.updateLog(ctx, l)
		g.log.Warn("notification send failed",
			logx.String("tenant", req.TenantID),
			logx.String("chat", chatID),
			logx.Int("attempts", l.Attempts),
			logx.Err(err))
		g.publish(eventbus.TypeFailed, l)
	}
	return Result{ChatID: chatID, Status: l.Status,
		Outcome: policy.OutcomeOK, LogID: l.ID, Attempts: l.Attempts, Error: err.Error()}
}

// callProvider bounds one adapter call and absorbs adapter panics.
func (g *Gateway) callProvider(ctx context.Context, tenantID, providerName, chatID, content string) (res provider.Result, err error) {
	adapter, ok := g.providers.Get(providerName)
	if !ok {
		return provider.Result{}, fmt.Errorf("%w: unknown provider %q", provider.ErrConfig, providerName)
	}
	cfg, ok := g.tenants.ProviderConfig(tenantID, adapter.Kind())
	if !ok {
		return provider.Result{}, fmt.Errorf("%w: tenant %s has no %s config", provider.ErrConfig, tenantID, providerName)
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.ProviderTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return adapter.Send(cctx, cfg, chatID, content)
}

func (g *Gateway) recordCircuit(ctx context.Context, tenantID, providerName string, ok bool) {
	cs, changed, err := g.pol.CircuitRecord(ctx, tenantID, providerName, ok)
	if err != nil {
		g.log.Error("circuit record failed", logx.Err(err))
		return
	}
	if changed && g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuit, Time: g.now(), Data: engine.CircuitEvent{
			TenantID: cs.TenantID, Provider: cs.Provider, State: cs.State,
		}})
	}
}

func (g *Gateway) updateLog(ctx context.Context, l storage.DeliveryLog) {
	if err := g.store.UpdateDeliveryLog(ctx, l); err != nil {
		g.log.Error("updating delivery log failed", logx.String("log", l.ID), logx.Err(err))
	}
}

func (g *Gateway) publish(typ string, l storage.DeliveryLog) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: typ, Time: g.now(), Data: engine.DeliveryEvent{
		TenantID:    l.TenantID,
		ItemID:      l.ID,
		Event:       l.EventType,
		RecipientID: l.ChatID,
		Provider:    l.Provider,
		Error:       l.LastError,
	}})
}
