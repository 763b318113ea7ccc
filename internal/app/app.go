// Package app wires ghrelay's components from the config file and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ghrelay/internal/config"
	"ghrelay/internal/dispatch"
	"ghrelay/internal/eventbus"
	"ghrelay/internal/feed"
	"ghrelay/internal/metrics"
	"ghrelay/internal/notifier"
	"ghrelay/internal/poller"
	"ghrelay/internal/render"
	rtsup "ghrelay/internal/runtime/supervisor"
	"ghrelay/internal/storage"
	logx "ghrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	poller  *poller.Service
	metrics *metrics.Collector
	diag    *metrics.Server // nil when metrics are disabled

	startedAt time.Time
}

// New loads and validates the config and builds every component. Nothing
// runs until Start or RunOnce.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log, err := logx.New(mapLogging(cfg))
	if err != nil {
		return nil, &config.Error{Field: "logging.file", Err: err}
	}
	appLog := log.With(logx.String("comp", "app"))

	// Every mapping below was already checked by validate; errors here mean a bug.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	fcfg, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, err
	}
	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := config.LoadLocation(cfg.Render.Timezone, time.UTC)
	if err != nil {
		return nil, &config.Error{Field: "render.timezone", Err: err}
	}

	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	disp := dispatch.New(dcfg, log.With(logx.String("comp", "dispatch")))
	notif := notifier.New(ncfg, store, disp, log.With(logx.String("comp", "notifier")),
		notifier.WithRenderer(render.New(loc)),
		notifier.WithBus(bus),
	)
	fc := feed.New(fcfg, log.With(logx.String("comp", "feed")))

	endpoints := cfg.Endpoints()
	poll := poller.New(pcfg, fc, notif, store, endpoints, log.With(logx.String("comp", "poller")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		poller:  poll,
		metrics: metrics.NewCollector(bus),
	}
	if cfg.Metrics.Enabled {
		a.diag = metrics.NewServer(mapServerConfig(cfg), a.metrics.Registry(), a.health, log.With(logx.String("comp", "diagnostics")))
	}

	var bots []string
	for ch, eps := range endpoints {
		for _, ep := range eps {
			bots = append(bots, fmt.Sprintf("%s/%s", ch, ep.Name))
		}
	}
	appLog.Info("configured",
		logx.String("user", fcfg.Username),
		logx.String("schedule", pcfg.Schedule.String()),
		logx.Strs("bots", bots),
		logx.Bool("token_set", fcfg.Token != ""),
	)
	return a, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce runs a single poll cycle without the scheduler.
func (a *App) RunOnce(ctx context.Context) (notifier.Summary, error) {
	return a.poller.RunOnce(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		eventbus.Consume(c, a.bus, 128, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		})
		return nil
	})

	if a.diag != nil {
		a.diag.Start(a.sup.Context())
	}
	if err := a.poller.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live sections of a reloaded config and reports the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if err := a.logs.Apply(mapLogging(next)); err != nil {
		a.log.Warn("log file sink unavailable", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", restart))
	}
}

type healthReport struct {
	Status     string          `json:"status"`
	Uptime     string          `json:"uptime"`
	Poller     poller.Snapshot `json:"poller"`
	Supervisor rtsup.Snapshot  `json:"supervisor"`
	BusDropped uint64          `json:"bus_dropped"`
}

// health reports unhealthy while the most recent cycle has failed.
func (a *App) health() (any, bool) {
	snap := a.poller.Snapshot()
	healthy := snap.LastError == "" || !snap.LastSuccess.Before(snap.LastRun)
	r := healthReport{
		Status:     "ok",
		Poller:     snap,
		Supervisor: a.sup.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if !a.startedAt.IsZero() {
		r.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if !healthy {
		r.Status = "degraded"
	}
	return r, healthy
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// An interrupted cycle still commits marks for events it already delivered.
	step("poller", 15*time.Second, func(c context.Context) error { a.poller.Stop(c); return nil })
	step("diagnostics", 2*time.Second, func(c context.Context) error {
		if a.diag != nil {
			a.diag.Stop(c)
		}
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
