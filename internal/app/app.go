package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachnotify/internal/engine/dispatch"
	"coachnotify/internal/engine/gateway"
	"coachnotify/internal/engine/policy"
	"coachnotify/internal/engine/template"
	"coachnotify/internal/engine/worker"
	"coachnotify/internal/eventbus"
	"coachnotify/internal/ingest"
	"coachnotify/internal/provider"
	"coachnotify/internal/storage"
	logx "coachnotify/pkg/logx"
)

// App wires the delivery engine together: config, store, providers, policy,
// dispatcher, worker, gateway and the AMQP ingest.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tenants   *TenantDirectory
	providers *provider.Registry
	pol       *policy.Delivery
	templates *template.Engine
	disp      *dispatch.Dispatcher
	worker    *worker.Service
	gateway   *gateway.Gateway
	ingest    *ingest.Consumer
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// The engine is storage-centric: queue, logs, circuit and rate state all
	// live in the store, so running without one is not supported.
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("storage is required (set storage.driver=sqlite)")
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))

	tenants := NewTenantDirectory(log)
	tenants.Reload(cfg.Tenants)

	providers := provider.NewRegistry(
		provider.NewTelegram(log.With(logx.String("comp", "telegram"))),
		provider.NewWhatsApp(log.With(logx.String("comp", "whatsapp"))),
	)

	polCfg, err := mapPolicyConfig(cfg)
	if err != nil {
		return nil, err
	}
	pol := policy.New(store, polCfg, log.With(logx.String("comp", "policy")))

	templates := template.New(store, log.With(logx.String("comp", "template")))

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return nil, err
	}
	var defaultProviders []string
	if gwCfg.DefaultProvider != "" {
		defaultProviders = []string{gwCfg.DefaultProvider}
	}
	disp := dispatch.New(store, templates, bus, log.With(logx.String("comp", "dispatch")), defaultProviders)

	wCfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	workerSvc := worker.New(wCfg, store, pol, providers, tenants, bus, log)

	gw := gateway.New(gwCfg, store, pol, providers, templates, tenants, bus, log)

	iCfg, err := mapIngestConfig(cfg)
	if err != nil {
		return nil, err
	}
	ing := ingest.New(iCfg, disp, log)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		tenants:   tenants,
		providers: providers,
		pol:       pol,
		templates: templates,
		disp:      disp,
		worker:    workerSvc,
		gateway:   gw,
		ingest:    ing,
	}, nil
}

// Gateway exposes the synchronous send path to embedders.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Dispatcher exposes the event emit path to embedders.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validateConfig is the Manager's pre-commit hook: every section must map
// cleanly before a snapshot is committed, at startup and on reload alike.
func validateConfig(_ context.Context, cfg *Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPolicyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapIngestConfig(cfg); err != nil {
		return err
	}
	return validateTenants(cfg)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.worker.Start(a.sup.Context())
	a.ingest.Start(a.sup.Context())

	// Audit trail: bus events -> audit table.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("audit.loop", func(c context.Context) error {
		defer unsub()
		auditLoop(c, events, a.store, a.log)
		return nil
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, tenantsChanged := SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if len(tenantsChanged) > 0 {
				a.tenants.Reload(newCfg.Tenants)
			}

			// Engine tuning and connection settings are fixed at startup.
			for _, s := range sections {
				switch s {
				case "storage", "policy", "worker", "gateway", "ingest":
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("ingest", 2*time.Second, func(c context.Context) error { a.ingest.Stop(c); return nil })
	step("worker", 3*time.Second, func(c context.Context) error { a.worker.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(_ context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
