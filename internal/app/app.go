package app

import (
	"context"
	"time"

	"briefbot/internal/briefing"
	"briefbot/internal/commands"
	"briefbot/internal/config"
	"briefbot/internal/eventbus"
	rtsup "briefbot/internal/runtime/supervisor"
	"briefbot/internal/storage"
	kit "briefbot/internal/transport"
	"briefbot/internal/transport/telegram"
	"briefbot/internal/upstream"
	logx "briefbot/pkg/logx"
)

// staleTick is how long the dispatch loop may go without a tick before the
// watchdog stops vouching for the process. Non-workday waits are capped at
// an hour, so two hours means the loop is stuck.
const staleTick = 2 * time.Hour

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	fetcher *upstream.Client
	brief   *briefing.Service
	router  *commands.Router
	sd      *notifier

	updates chan kit.Update
}

// NewApp loads the config at cfgPath and wires every component. overlay,
// when non-nil, is applied to each parsed config (initial and reloaded)
// before validation.
func NewApp(cfgPath string, overlay func(*config.Config)) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "boot"))
	cfgm := config.NewManager(cfgPath, bootLog)
	if overlay != nil {
		cfgm.SetOverlay(overlay)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tcfg, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set its target, then apply the
	// final config so Apply does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if chatID, ok := groupLogTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	ad.SetLogger(root.With(logx.String("comp", "telegram")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ucfg, err := mapUpstreamConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	fetcher := upstream.New(ucfg, root.With(logx.String("comp", "upstream")))

	bcfg, err := mapBriefingConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := eventbus.New()
	brief := briefing.NewService(bcfg, briefing.Deps{
		Store:   store,
		Fetcher: fetcher,
		Sink:    ad,
		Bus:     bus,
		Log:     root.With(logx.String("comp", "briefing")),
	})

	router := commands.NewRouter(root.With(logx.String("comp", "commands")), ad,
		commands.WithAuditor(store),
	)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		fetcher: fetcher,
		brief:   brief,
		router:  router,
		sd:      newNotifier(root.With(logx.String("comp", "systemd"))),
		updates: make(chan kit.Update, 256),
	}, nil
}

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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapBriefingConfig(cfg); err != nil {
			return err
		}
		if _, err := mapUpstreamConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.router.SetCommands(ctx, commands.BriefingCommands(a.brief, nil))

	a.sup.Go0("audit", func(c context.Context) {
		auditEvents(c, a.bus, a.store, a.log.With(logx.String("comp", "audit")))
	})

	if err := a.brief.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.followConfig(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.RunWatchdog(c, a.healthy)
	})
	a.sd.Ready()

	a.log.Info("app started")
	return nil
}

// healthy reports whether the dispatch loop is still ticking.
func (a *App) healthy() bool {
	st := a.brief.Status()
	if !st.Running {
		return false
	}
	return st.LastTick.IsZero() || time.Since(st.LastTick) < staleTick
}

// Stop shuts components down in dependency order, each within its own
// budget, then closes the log sinks.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	runStopSteps(ctx, a.log, []stopStep{
		{"briefing", 3 * time.Second, a.brief.Stop},
		{"telegram", 2 * time.Second, a.adapter.Stop},
		{"goroutines", 3 * time.Second, a.sup.Wait},
		{"storage", time.Second, func(context.Context) error { return a.store.Close() }},
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
