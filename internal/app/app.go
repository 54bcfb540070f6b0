package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusnotify/internal/adaptive"
	"campusnotify/internal/analytics"
	"campusnotify/internal/config"
	"campusnotify/internal/dispatch"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/eventsink"
	"campusnotify/internal/httpapi"
	"campusnotify/internal/maintenance"
	"campusnotify/internal/netstate"
	"campusnotify/internal/notifications"
	"campusnotify/internal/offline"
	"campusnotify/internal/policy"
	"campusnotify/internal/runtime/supervisor"
	"campusnotify/internal/schedule"
	"campusnotify/internal/storage"
	"campusnotify/internal/subscription"
	"campusnotify/internal/telemetry"
	logx "campusnotify/pkg/logx"
)

// App is the composition root of the notification daemon.
type App struct {
	cfgm *config.Manager
	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	loc  *time.Location

	bus      eventbus.Bus
	store    storage.Store
	policies *policy.Store
	subs     *subscription.Manager
	sched    *schedule.Store
	queue    *offline.Queue
	disp     *dispatch.Dispatcher
	network  *netstate.Monitor
	svc      *notifications.Service
	metrics  *telemetry.Metrics
	sink     *eventsink.Forwarder // nil without kafka brokers
	jobs     *maintenance.Runner

	httpCfg    httpapi.Config
	httpServer *httpapi.Server

	sup           *supervisor.Supervisor
	metricsEvents <-chan eventbus.Event
	metricsUnsub  func()
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string, env config.Env) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, root: log, log: log.With(logx.String("comp", "app"))}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.loc, err = mapLocation(cfg); err != nil {
		return nil, err
	}
	catalog, err := mapCatalog(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOfflineConfig(cfg, dcfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNetworkConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.httpCfg, err = mapHTTPConfig(cfg); err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	router, err := buildRouter(cfg, log)
	if err != nil {
		return nil, err
	}
	a.log.Info("senders registered", logx.String("schemes", strings.Join(router.Prefixes(), ",")))
	logSvc.SetAlerter(opsAlerter(cfgm, router))

	a.policies = policy.NewStore(a.store, catalog, log.With(logx.String("comp", "policy")))
	rec := analytics.New(analytics.Config{
		ActiveWindow: cfg.Adaptive.ActiveWindow,
		Location:     a.loc,
	}, a.store, log.With(logx.String("comp", "analytics")))
	planner := adaptive.New(adaptive.Config{
		LowEngagementThreshold: cfg.Adaptive.LowEngagementThreshold,
		UrgencyMarker:          cfg.Adaptive.UrgencyMarker,
		Location:               a.loc,
	}, rec)

	a.subs = subscription.New(subscription.Config{
		MaxRenewAttempts: cfg.Subscription.MaxRenewAttempts,
	}, subscription.ClientPlatform{Prober: router}, a.policies, a.store, a.bus, log.With(logx.String("comp", "subscription")))

	a.sched = schedule.New(schedule.Config{}, a.store, log.With(logx.String("comp", "schedule")))
	a.queue = offline.New(ocfg, a.store, a.bus, log.With(logx.String("comp", "offline")))
	a.network = netstate.New(ncfg, a.bus, log.With(logx.String("comp", "netstate")))

	a.disp, err = dispatch.New(dcfg, dispatch.Deps{
		Policies:      a.policies,
		Planner:       planner,
		Subscriptions: a.subs,
		Sender:        router,
		Recorder:      rec,
		Scheduler:     a.sched,
		Offline:       a.queue,
		Network:       a.network,
		Bus:           a.bus,
		Log:           log.With(logx.String("comp", "dispatch")),
	})
	if err != nil {
		return nil, err
	}
	a.queue.SetRedeliverer(a.disp)
	a.sched.OnFire(a.disp.Fire)

	a.svc, err = notifications.New(notifications.Config{
		FailureHistory: cfg.Offline.FailureHistory,
	}, notifications.Deps{
		Policies:      a.policies,
		Subscriptions: a.subs,
		Analytics:     rec,
		Dispatcher:    a.disp,
		Scheduled:     a.sched,
		Offline:       a.queue,
		Log:           log.With(logx.String("comp", "notifications")),
	})
	if err != nil {
		return nil, err
	}

	a.metrics = telemetry.New()
	a.metrics.Depth("offline_queue_depth", "Notifications waiting in the offline queue.", func() float64 {
		return float64(a.queue.Len())
	})
	a.metrics.Depth("scheduled_depth", "Notifications held until their delivery time.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return float64(a.sched.Len(ctx))
	})

	if kc, ok := mapKafka(cfg); ok {
		w, err := eventsink.NewKafkaWriter(kc.Brokers)
		if err != nil {
			return nil, err
		}
		a.sink = eventsink.New(kc, w, a.bus, log.With(logx.String("comp", "eventsink")))
		a.log.Info("kafka forwarding enabled", logx.Int("brokers", len(kc.Brokers)))
	}

	a.jobs = maintenance.New(a.loc, log)
	if err := maintenance.Register(a.jobs, mapSchedules(cfg), maintenance.Targets{
		Subscriptions: a.subs,
		Offline:       a.queue,
		Limiter:       a.disp.Limiter(),
	}); err != nil {
		return nil, err
	}

	return a, nil
}

// Service exposes the notification operations, mainly for embedding and tests.
func (a *App) Service() *notifications.Service { return a.svc }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first loop error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))))

	srv, err := httpapi.New(a.httpCfg, httpapi.Deps{
		Service:    a.svc,
		Bus:        a.bus,
		Network:    a.network,
		Supervisor: a.sup,
		Metrics:    a.metrics.Handler(),
		Log:        a.root.With(logx.String("comp", "http")),
	})
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.httpServer = srv

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapCatalog(cfg); err != nil {
			return err
		}
		_, err := mapLocation(cfg)
		return err
	})

	// Subscribe before the producers start so no early event is missed.
	a.metricsEvents, a.metricsUnsub = a.metrics.Subscribe(a.bus)

	a.sup.GoRestart("schedule", a.sched.Run)
	a.sup.GoRestart("offline", a.queue.Run)
	a.sup.GoRestart("netstate", a.network.Run)
	a.sup.GoRestart("telemetry", func(c context.Context) error {
		return a.metrics.Run(c, a.metricsEvents)
	})
	if a.sink != nil {
		// Run closes the writer on exit, so it is not restarted.
		a.sup.Go("eventsink", a.sink.Run)
	}
	a.sup.Go("maintenance", a.jobs.Run)
	a.sup.Go("http", func(c context.Context) error {
		err := a.httpServer.Run(c)
		if err != nil {
			// Without the listener the daemon is useless.
			a.sup.Cancel()
		}
		return err
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("addr", a.httpServer.Addr()), logx.String("timezone", a.loc.String()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// applyConfig applies the live sections (logging, categories) and warns about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg))
		case "categories":
			catalog, err := mapCatalog(newCfg)
			if err != nil {
				a.log.Warn("invalid category catalog; keeping previous", logx.Err(err))
				continue
			}
			a.policies.ReplaceCatalog(catalog)
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeCatalogReloaded, Time: time.Now(), Data: catalog.IDs()})
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so every loop starts unwinding at once; the HTTP server drains
	// in-flight requests on its own shutdown timeout.
	a.sup.Cancel()

	var errs []error
	errs = append(errs, a.step(ctx, "supervisor", 10*time.Second, a.sup.Wait))
	if a.metricsUnsub != nil {
		a.metricsUnsub()
	}
	errs = append(errs, a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		return a.closeStore()
	}))

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and the caller's deadline, whichever is sooner.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else {
			err = nil
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
		return fmt.Errorf("stop step %s: %w", name, stepCtx.Err())
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}

// close releases what New acquired when the app never started.
func (a *App) close() {
	_ = a.closeStore()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
