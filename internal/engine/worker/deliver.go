package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"coachnotify/internal/engine"
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/provider"
	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// processItem handles one due item end to end. The returned flag asks the
// caller to abandon the rest of the tick (global budget exhausted).
func (s *Service) processItem(ctx context.Context, it storage.QueueItem) (stop bool) {
	now := s.now()

	// Quiet hours defer the item before it is claimed, without consuming a
	// retry. Critical and exempted notifications go through regardless.
	if !it.Critical && !it.QuietExempt {
		if s.tenants.QuietWindow(it.TenantID).Contains(now) {
			it.NextAttemptAt = now.Add(s.pol.NextDelay(it.RetryCount))
			it.UpdatedAt = now
			if err := s.store.UpdateQueueItem(ctx, it); err != nil {
				s.log.Error("quiet hours deferral failed", logx.String("item", it.ID), logx.Err(err))
			}
			return false
		}
	}

	dec, err := s.pol.CheckRate(ctx, "", policy.ScopeGlobal, "engine", "worker_send",
		s.cfg.GlobalRateMax, s.cfg.GlobalRateWindow)
	if err != nil {
		s.log.Error("global budget check failed", logx.Err(err))
		return true
	}
	if !dec.Allowed() {
		s.log.Debug("global send budget exhausted", logx.Duration("retry_after", dec.RetryAfter))
		return true
	}

	claimed, err := s.store.ClaimQueueItem(ctx, it.ID, now)
	if err != nil {
		s.log.Error("claiming item failed", logx.String("item", it.ID), logx.Err(err))
		return false
	}
	if !claimed {
		// Another worker got there first.
		return false
	}
	it.Status = storage.QueueSending

	s.deliver(ctx, it)
	return false
}

// deliver walks the item's provider chain. A provider failure falls through
// to the next provider immediately; only after the whole chain fails does
// the item wait out a backoff (or dead-letter once retries are spent).
func (s *Service) deliver(ctx context.Context, it storage.QueueItem) {
	if dup, err := s.pol.Duplicate(ctx, it.TenantID, it.Event, it.EntityID, it.RecipientID, 0); err != nil {
		s.log.Error("dedup check failed", logx.String("item", it.ID), logx.Err(err))
	} else if dup {
		s.finishSuppressed(ctx, it)
		return
	}

	var lastErr error
	for it.ProviderIdx < len(it.Providers) {
		name := it.Providers[it.ProviderIdx]
		res, err := s.attempt(ctx, &it, name)
		if err == nil {
			s.finishDelivered(ctx, it, name, res)
			return
		}
		lastErr = err
		if it.ProviderIdx+1 >= len(it.Providers) {
			break
		}
		// Fallback to the next provider without backoff.
		it.ProviderIdx++
		s.log.Warn("provider failed, falling back",
			logx.String("item", it.ID),
			logx.String("provider", name),
			logx.String("next", it.Providers[it.ProviderIdx]),
			logx.Err(err))
	}

	s.finishFailedRound(ctx, it, lastErr)
}

// attempt performs one provider call and records its delivery log row and
// circuit outcome. Configuration problems never feed the breaker.
func (s *Service) attempt(ctx context.Context, it *storage.QueueItem, name string) (provider.Result, error) {
	adapter, ok := s.providers.Get(name)
	if !ok {
		err := fmt.Errorf("%w: unknown provider %q", provider.ErrConfig, name)
		s.recordAttempt(ctx, *it, name, storage.LogFailed, err)
		return provider.Result{}, err
	}
	cfg, ok := s.tenants.ProviderConfig(it.TenantID, adapter.Kind())
	if !ok {
		err := fmt.Errorf("%w: tenant %s has no %s config", provider.ErrConfig, it.TenantID, name)
		s.recordAttempt(ctx, *it, name, storage.LogFailed, err)
		return provider.Result{}, err
	}

	allowed, _, err := s.pol.CircuitAllow(ctx, it.TenantID, name)
	if err != nil {
		s.recordAttempt(ctx, *it, name, storage.LogFailed, err)
		return provider.Result{}, err
	}
	if !allowed {
		err := fmt.Errorf("circuit open for %s/%s", it.TenantID, name)
		s.recordAttempt(ctx, *it, name, storage.LogFailedBackoff, err)
		return provider.Result{}, err
	}

	res, err := s.send(ctx, adapter, cfg, it.RecipientID, it.Content)
	if err == nil {
		s.recordCircuit(ctx, it.TenantID, name, true)
		s.recordAttempt(ctx, *it, name, storage.LogDelivered, nil)
		return res, nil
	}

	if !provider.IsConfig(err) {
		s.recordCircuit(ctx, it.TenantID, name, false)
	}
	s.recordAttempt(ctx, *it, name, storage.LogFailed, err)
	return provider.Result{}, err
}

// send bounds one provider call and converts panics into errors so a
// misbehaving adapter cannot kill the loop.
func (s *Service) send(ctx context.Context, a provider.Adapter, cfg provider.Config, recipient, content string) (res provider.Result, err error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return a.Send(cctx, cfg, recipient, content)
}

func (s *Service) finishDelivered(ctx context.Context, it storage.QueueItem, name string, _ provider.Result) {
	now := s.now()
	it.Status = storage.QueueDelivered
	it.UpdatedAt = now
	if err := s.store.UpdateQueueItem(ctx, it); err != nil {
		s.log.Error("marking item delivered failed", logx.String("item", it.ID), logx.Err(err))
		return
	}
	s.log.Info("notification delivered",
		logx.String("item", it.ID),
		logx.String("tenant", it.TenantID),
		logx.String("event", it.Event),
		logx.String("provider", name))
	s.publish(eventbus.TypeDelivered, engine.DeliveryEvent{
		TenantID: it.TenantID, ItemID: it.ID, Event: it.Event,
		RecipientID: it.RecipientID, Provider: name,
	})
}

func (s *Service) finishSuppressed(ctx context.Context, it storage.QueueItem) {
	now := s.now()
	it.Status = storage.QueueDelivered
	it.UpdatedAt = now
	if err := s.store.UpdateQueueItem(ctx, it); err != nil {
		s.log.Error("marking item suppressed failed", logx.String("item", it.ID), logx.Err(err))
		return
	}
	s.recordAttempt(ctx, it, "", storage.LogDuplicateSuppressed, nil)
	s.log.Debug("duplicate notification suppressed", logx.String("item", it.ID), logx.String("event", it.Event))
	s.publish(eventbus.TypeSuppressed, engine.DeliveryEvent{
		TenantID: it.TenantID, ItemID: it.ID, Event: it.Event, RecipientID: it.RecipientID,
	})
}

// finishFailedRound runs after the whole provider chain has failed once:
// either schedule the next round with backoff or dead-letter the item.
func (s *Service) finishFailedRound(ctx context.Context, it storage.QueueItem, cause error) {
	now := s.now()
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	if it.RetryCount < s.pol.MaxRetries(0) {
		it.RetryCount++
		it.ProviderIdx = 0
		it.Status = storage.QueueRetrying
		it.NextAttemptAt = now.Add(s.pol.NextDelay(it.RetryCount))
		it.UpdatedAt = now
		if err := s.store.UpdateQueueItem(ctx, it); err != nil {
			s.log.Error("scheduling retry failed", logx.String("item", it.ID), logx.Err(err))
			return
		}
		s.log.Warn("delivery round failed, retry scheduled",
			logx.String("item", it.ID),
			logx.Int("retry", it.RetryCount),
			logx.Time("next_attempt", it.NextAttemptAt),
			logx.Err(cause))
		s.publish(eventbus.TypeFailed, engine.DeliveryEvent{
			TenantID: it.TenantID, ItemID: it.ID, Event: it.Event,
			RecipientID: it.RecipientID, Error: errText,
		})
		return
	}

	it.Status = storage.QueueFailed
	it.UpdatedAt = now
	if err := s.store.UpdateQueueItem(ctx, it); err != nil {
		s.log.Error("marking item failed failed", logx.String("item", it.ID), logx.Err(err))
		return
	}
	dl := storage.DeadLetter{
		ID:          uuid.NewString(),
		Source:      "worker",
		TenantID:    it.TenantID,
		ItemID:      it.ID,
		Event:       it.Event,
		RecipientID: it.RecipientID,
		Content:     it.Content,
		EntityType:  it.EntityType,
		EntityID:    it.EntityID,
		Error:       errText,
		Attempts:    it.RetryCount + 1,
		CreatedAt:   now,
	}
	if err := s.store.AppendDeadLetter(ctx, dl); err != nil {
		s.log.Error("appending dead letter failed", logx.String("item", it.ID), logx.Err(err))
	}
	s.log.Error("notification exhausted retries",
		logx.String("item", it.ID),
		logx.String("tenant", it.TenantID),
		logx.String("event", it.Event),
		logx.Err(cause))
	s.publish(eventbus.TypeDeadLetter, engine.DeliveryEvent{
		TenantID: it.TenantID, ItemID: it.ID, Event: it.Event,
		RecipientID: it.RecipientID, Error: errText,
	})
}

func (s *Service) recordCircuit(ctx context.Context, tenantID, providerName string, ok bool) {
	cs, changed, err := s.pol.CircuitRecord(ctx, tenantID, providerName, ok)
	if err != nil {
		s.log.Error("circuit record failed", logx.Err(err))
		return
	}
	if changed {
		s.publish(eventbus.TypeCircuit, engine.CircuitEvent{
			TenantID: cs.TenantID, Provider: cs.Provider, State: cs.State,
		})
	}
}

func (s *Service) recordAttempt(ctx context.Context, it storage.QueueItem, providerName, status string, cause error) {
	now := s.now()
	l := storage.DeliveryLog{
		ID:               uuid.NewString(),
		TenantID:         it.TenantID,
		ChatID:           it.RecipientID,
		Provider:         providerName,
		EventType:        it.Event,
		NotificationType: it.NotificationType,
		EntityType:       it.EntityType,
		EntityID:         it.EntityID,
		Status:           status,
		Attempts:         it.RetryCount + 1,
		LastAttemptAt:    now,
		CreatedAt:        now,
		DeleteAt:         now.Add(s.cfg.LogRetention),
	}
	if cause != nil {
		l.LastError = cause.Error()
	}
	if err := s.store.InsertDeliveryLog(ctx, l); err != nil {
		s.log.Error("recording delivery attempt failed", logx.String("item", it.ID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: payload})
}
