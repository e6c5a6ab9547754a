package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pillcall/internal/channel"
	"pillcall/internal/config"
	"pillcall/internal/dispatch"
	"pillcall/internal/eventbus"
	"pillcall/internal/housekeeping"
	"pillcall/internal/httpapi"
	"pillcall/internal/registry"
	"pillcall/internal/runtime/supervisor"
	"pillcall/internal/schedule"
	"pillcall/internal/storage"
	"pillcall/internal/worker"
	logx "pillcall/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sd   sdNotifier

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	ch    channel.Channel

	exec   *dispatch.Executor
	loop   *worker.Loop
	sched  *schedule.Service
	http   *httpapi.Server
	house  *housekeeping.Service
	health httpapi.HealthFunc
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(cfgPath, envFile string) (*App, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), nil)
	fail := func(err error) (*App, error) {
		logs.Close()
		return nil, err
	}

	chCfg, _ := mapChannelConfig(cfg)
	ch, err := channel.Open(chCfg, log.With(logx.String("comp", "channel")))
	if err != nil {
		return fail(fmt.Errorf("channel: %w", err))
	}
	if sink, err := opsSink(cfg, chCfg, ch); err != nil {
		log.Warn("ops log sink unavailable", logx.Err(err))
	} else if sink != nil {
		logs.SetOpsSink(sink)
	}

	stCfg, _ := mapStorageConfig(cfg)
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}

	bus := eventbus.New()
	dCfg, _ := mapDispatchConfig(cfg)
	exec := dispatch.New(dCfg, ch, log)
	wCfg, _ := mapWorkerConfig(cfg)
	loop := worker.New(wCfg, store, registry.New(store, ch), exec, bus, log)
	sched := schedule.New(store, log)
	hkCfg, _ := mapHousekeepingConfig(cfg)
	house := housekeeping.New(hkCfg, store, log)

	a := &App{
		cfgm:  cfgm,
		sd:    sdNotifier{log: log.With(logx.String("comp", "systemd"))},
		log:   log.With(logx.String("comp", "app")),
		logs:  logs,
		bus:   bus,
		store: store,
		ch:    ch,
		exec:  exec,
		loop:  loop,
		sched: sched,
		house: house,
	}
	a.health = a.checkHealth

	hCfg, _ := mapHTTPConfig(cfg)
	if hCfg.Enabled {
		a.http = httpapi.NewServer(hCfg, httpapi.NewHandler(sched, a.health), log)
	}

	a.log.Info("app built",
		logx.String("storage", stCfg.Driver),
		logx.String("channel", ch.Name()),
		logx.Bool("worker", wCfg.Enabled),
		logx.Bool("http", hCfg.Enabled),
		logx.Bool("housekeeping", hkCfg.Enabled),
	)
	return a, nil
}

// opsSink picks where warning lines go. The Telegram channel is reused when
// it is the reminder channel; otherwise a dedicated bot is built from the
// same token.
func opsSink(cfg *config.Config, cc channel.Config, ch channel.Channel) (logx.OpsSink, error) {
	if !cfg.Logging.Ops.Enabled {
		return nil, nil
	}
	if tg, ok := ch.(*channel.Telegram); ok {
		return tg, nil
	}
	if strings.TrimSpace(cc.Telegram.Token) == "" || cc.Telegram.OpsChatID == 0 {
		return nil, fmt.Errorf("logging.ops needs channel.telegram.token and ops_chat_id")
	}
	return channel.NewTelegram(cc.Telegram)
}

func (a *App) Worker() *worker.Loop { return a.loop }
func (a *App) Schedule() *schedule.Service { return a.sched }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Health() httpapi.HealthFunc { return a.health }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.loop.Enabled() {
		a.loop.Start(a.sup.Context())
	} else {
		a.log.Warn("worker disabled; reminders will not be dispatched")
	}
	if a.http != nil {
		a.http.Start(a.sup.Context())
		a.sup.Go("http.listener", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err := <-a.http.Err():
				return fmt.Errorf("http listener: %w", err)
			}
		})
	}
	if a.house.Enabled() {
		a.house.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Cycles are frequent; keep them at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	healthy := func() bool {
		last := a.loop.Last()
		if !a.loop.Enabled() || last == nil {
			return true
		}
		cfg, _ := mapWorkerConfig(a.cfgm.Get())
		return time.Since(last.StartedAt.Add(last.Took)) < 3*cfg.Interval+dispatchWindow(a.cfgm.Get())
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.Watchdog(c, healthy) })
	a.sd.Ready()

	a.log.Info("app started")
	return nil
}

// dispatchWindow bounds how long one cycle may legitimately run.
func dispatchWindow(cfg *config.Config) time.Duration {
	d, err := mapDispatchConfig(cfg)
	if err != nil {
		return dispatch.DefaultMaxWait
	}
	return d.MaxWait + d.PollInterval
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(dc)
	}

	if wc, err := mapWorkerConfig(next); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.loop.Enabled()
		a.loop.Apply(wc)
		switch {
		case prevEnabled && !wc.Enabled:
			a.log.Info("worker disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, dispatchWindow(next))
			a.loop.Stop(stopCtx)
			cancel()
		case !prevEnabled && wc.Enabled:
			a.log.Info("worker enabled via config")
			a.loop.Start(ctx)
		}
	}

	if hc, err := mapHousekeepingConfig(next); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.house.Enabled()
		a.house.Apply(hc)
		switch {
		case prevEnabled && !hc.Enabled:
			a.log.Info("housekeeping disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.house.Stop(stopCtx)
			cancel()
		case !prevEnabled && hc.Enabled:
			a.log.Info("housekeeping enabled via config")
			a.house.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) checkHealth(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"channel": a.ch.Name(),
		"worker":  a.loop.Enabled(),
	}
	if last := a.loop.Last(); last != nil {
		out["last_cycle"] = last
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.Ping(pingCtx); err != nil {
		out["storage"] = err.Error()
		return out, err
	}
	out["storage"] = "ok"
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop intake first, then let in-flight attempts settle and record
	// their outcomes before the store closes.
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("worker", dispatchWindow(a.cfgm.Get())+2*time.Second, func(c context.Context) error { a.loop.Stop(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
