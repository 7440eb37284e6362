// Package app assembles the process: config, logging, storage, the Telegram
// adapter, content resolution, the daily dispatcher, and the command router.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"qurandaily/internal/bot"
	"qurandaily/internal/config"
	"qurandaily/internal/dispatch"
	"qurandaily/internal/resolver"
	"qurandaily/internal/storage"
	kit "qurandaily/internal/transport"
	telegram "qurandaily/internal/transport/telegram/adapter"
	logx "qurandaily/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	disp    *dispatch.Service
	router  *bot.Router

	updates chan kit.Update
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	gen, err := resolver.NewOpenAIGenerator(resolver.OpenAIConfig{
		APIKey:    cfg.OpenAI.APIKey,
		Model:     cfg.OpenAI.Model,
		MaxTokens: cfg.OpenAI.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	res := resolver.New(gen, policy, log.With(logx.String("comp", "resolver")))

	disp, err := dispatch.New(mapDispatchConfig(cfg), store, res, ad, log.With(logx.String("comp", "dispatch")))
	if err != nil {
		return nil, err
	}

	router := bot.NewRouter(store, disp, ad, log.With(logx.String("comp", "bot")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		disp:    disp,
		router:  router,
		updates: make(chan kit.Update, 256),
		done:    make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return err
	}

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, bot.MenuCommands()); err != nil {
			a.log.Warn("registering command menu failed", logx.Err(err))
		}
	}

	go func() {
		defer close(a.done)
		a.router.Run(ctx, a.updates)
	}()

	if err := a.disp.Start(ctx); err != nil {
		return err
	}

	// Hot reload: logging and the daily schedule follow the config file.
	a.cfgm.OnChange(func(cfg *config.Config) {
		a.logs.Apply(mapLogConfig(cfg))
		a.disp.Apply(ctx, mapDispatchConfig(cfg))
	})
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify unavailable", logx.Err(err))
	}
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.disp.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Enabled:           cfg.Schedule.Enabled,
		SendTime:          cfg.Schedule.SendTime,
		Timezone:          cfg.Schedule.Timezone,
		BatchSize:         cfg.Dispatch.BatchSize,
		Workers:           cfg.Dispatch.Workers,
		RatePerSec:        cfg.Dispatch.RatePerSec,
		DailyRequestLimit: cfg.Dispatch.DailyRequestLimit,
	}
}

func mapRetryPolicy(cfg *config.Config) (resolver.RetryPolicy, error) {
	timeout, err := config.ParseDurationOrDefault("openai.timeout", cfg.OpenAI.Timeout, 30*time.Second)
	if err != nil {
		return resolver.RetryPolicy{}, err
	}
	base, err := config.ParseDurationField("openai.retry_base", cfg.OpenAI.RetryBase)
	if err != nil {
		return resolver.RetryPolicy{}, err
	}
	maxDelay, err := config.ParseDurationField("openai.retry_max_delay", cfg.OpenAI.RetryMaxDelay)
	if err != nil {
		return resolver.RetryPolicy{}, err
	}
	retries := cfg.OpenAI.RetryMax
	if retries == 0 {
		retries = 2
	}
	return resolver.RetryPolicy{
		MaxRetries: retries,
		Base:       base,
		MaxDelay:   maxDelay,
		Timeout:    timeout,
	}, nil
}
