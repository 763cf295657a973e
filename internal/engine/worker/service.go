package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"coachnotify/internal/engine"
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/provider"
	rtsup "coachnotify/internal/runtime/supervisor"
	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// Config controls the async delivery loop.
type Config struct {
	Enabled bool
	Tick    time.Duration // poll interval, default 500ms
	Batch   int           // max due items claimed per tick, default 50

	ProviderTimeout time.Duration // bound on one provider call, default 8s

	// Global send budget shared by all workers on this store.
	GlobalRateMax    int
	GlobalRateWindow time.Duration

	// Retention knobs enforced by the maintenance jobs.
	DeliveredRetention  time.Duration // delivered/failed queue rows, default 24h
	LogRetention        time.Duration // delivery log rows, default 30d
	DeadLetterRetention time.Duration // dead letter rows, default 90d
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 8 * time.Second
	}
	if c.GlobalRateMax <= 0 {
		c.GlobalRateMax = 600
	}
	if c.GlobalRateWindow <= 0 {
		c.GlobalRateWindow = time.Minute
	}
	if c.DeliveredRetention <= 0 {
		c.DeliveredRetention = 24 * time.Hour
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = 90 * 24 * time.Hour
	}
	return c
}

// Service is the continuously running delivery loop plus its maintenance
// jobs. It is safe to run several Service instances (in separate processes)
// against the same store: item claims and shared counters are transactional.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	store     storage.Store
	pol       *policy.Delivery
	providers *provider.Registry
	tenants   engine.TenantSource
	bus       eventbus.Bus

	cfg  Config
	sup  *rtsup.Supervisor
	cron *cron.Cron

	now func() time.Time
}

func New(cfg Config, store storage.Store, pol *policy.Delivery, providers *provider.Registry, tenants engine.TenantSource, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:       log.With(logx.String("comp", "worker")),
		store:     store,
		pol:       pol,
		providers: providers,
		tenants:   tenants,
		bus:       bus,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery failures must not take down the app; loops self-heal.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("delivery.loop", func(c context.Context) error {
		s.loop(c)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("delivery loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	s.startMaintenance()
	s.log.Info("delivery worker started", logx.Duration("tick", s.cfg.Tick), logx.Int("batch", s.cfg.Batch))
}

// Stop lets the in-flight tick finish; no new ticks are taken.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	cr := s.cron
	s.sup = nil
	s.cron = nil
	s.mu.Unlock()

	if cr != nil {
		stopCtx := cr.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("delivery worker stopped")
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims and processes due items, oldest first. It stops early on
// cancellation or when the global send budget runs out (back-pressure).
func (s *Service) tick(ctx context.Context) {
	items, err := s.store.DueQueueItems(ctx, s.now(), s.cfg.Batch)
	if err != nil {
		s.log.Error("fetching due items failed", logx.Err(err))
		return
	}

	for _, it := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if stop := s.processItem(ctx, it); stop {
			return
		}
	}
}

func (s *Service) startMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	c := cron.New()

	// Crash recovery: rows stuck in "sending" past twice the provider
	// timeout have unknown outcomes; send them through normal retry logic.
	_, _ = c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		now := s.now()
		n, err := s.store.ReapStaleSending(ctx, now.Add(-2*s.cfg.ProviderTimeout), now)
		if err != nil {
			s.log.Error("stale sending reap failed", logx.Err(err))
			return
		}
		if n > 0 {
			s.log.Warn("reaped stale sending items", logx.Int("count", n))
		}
	})

	_, _ = c.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := s.store.DeleteDeliveredBefore(ctx, s.now().Add(-s.cfg.DeliveredRetention)); err != nil {
			s.log.Error("queue cleanup failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("cleaned finished queue items", logx.Int("count", n))
		}
	})

	_, _ = c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := s.store.PurgeDeliveryLogs(ctx, s.now()); err != nil {
			s.log.Error("delivery log purge failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("purged expired delivery logs", logx.Int("count", n))
		}
		if n, err := s.store.TrimDeadLetters(ctx, s.now().Add(-s.cfg.DeadLetterRetention)); err != nil {
			s.log.Error("dead letter trim failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("trimmed old dead letters", logx.Int("count", n))
		}
	})

	c.Start()
	s.cron = c
}
