// Package app wires the bot together: config, storage, transport, the
// scheduler pipeline and the command router.
package app

import (
	"context"
	"time"

	"askbot/internal/answer"
	"askbot/internal/bot"
	"askbot/internal/config"
	"askbot/internal/eventbus"
	"askbot/internal/executor"
	"askbot/internal/metrics"
	"askbot/internal/notifier"
	"askbot/internal/retry"
	"askbot/internal/runtime/supervisor"
	"askbot/internal/scheduler"
	"askbot/internal/stats"
	"askbot/internal/store"
	"askbot/internal/transport"
	"askbot/internal/transport/telegram"
	logx "askbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st      *store.Store
	adapter transport.Adapter
	answers *answer.Client
	deliver *notifier.Service
	worker  *executor.Worker
	sched   *scheduler.Service
	router  *bot.Router
	mtr     *metrics.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
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
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOrDefault(),
	}, log.With(logx.String("component", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOrDefault(),
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	answers, err := answer.New(answer.Config{
		APIKey:  cfg.Answer.APIKey,
		BaseURL: cfg.Answer.BaseURL,
		Model:   cfg.Answer.ModelOrDefault(),
		Timeout: cfg.Answer.TimeoutOrDefault(),
	}, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	deliver := notifier.New(notifier.Config{
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
	}, adapter, log, bus)

	recorder := stats.NewRecorder(st, log)
	agg := stats.NewAggregator(st)

	worker := executor.New(executor.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttemptsOrDefault(),
			Base:        cfg.Retry.BaseOrDefault(),
			MaxDelay:    cfg.Retry.MaxDelayOrDefault(),
			Jitter:      cfg.Retry.JitterOrDefault(),
		},
		FailureNoticeAfter: cfg.Executor.FailureNoticeAfterOrDefault(),
	}, st, answers, deliver, recorder, bot.Formatter{}, bus, log)

	sched := scheduler.New(scheduler.Config{
		Tick:      cfg.Scheduler.TickOrDefault(),
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}, st, worker, log)

	telegramCfg := cfg.Telegram
	router := bot.NewRouter(st, worker, agg, recorder, deliver,
		telegramCfg.IsOwner, bus, log)

	mtr := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.AddrOrDefault(),
	}, bus, log)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		adapter: adapter,
		answers: answers,
		deliver: deliver,
		worker:  worker,
		sched:   sched,
		router:  router,
		mtr:     mtr,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.deliver.Start(runCtx)
	if err := a.mtr.Start(runCtx); err != nil {
		a.log.Error("metrics start failed", logx.Err(err))
	}
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go0("router", func(c context.Context) {
		a.router.Run(c, a.updates)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	})

	a.log.Info("askbot started")
	return nil
}

// applyReload picks up what can change without a restart. Everything else
// keeps its boot-time value until the process restarts.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
}

// Done is closed on fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
	}

	// Intake first so queued replies can still drain.
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = a.adapter.Stop(stopCtx)
	a.sched.Stop(stopCtx)
	a.deliver.Stop(stopCtx)
	a.mtr.Stop(stopCtx)

	if a.sup != nil {
		_ = a.sup.Wait(stopCtx)
	}
	err := a.st.Close()
	_ = a.logs.Close()
	return err
}
