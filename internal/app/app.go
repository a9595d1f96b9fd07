// Package app wires configuration, logging, storage and the monitor
// pipeline, and runs them either once or as a long-lived service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/feed"
	"tgrelay/internal/monitor"
	"tgrelay/internal/relay"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/scheduler"
	"tgrelay/internal/seen"
	"tgrelay/internal/server"
	"tgrelay/internal/storage"
	telegram "tgrelay/internal/transport/telegram/adapter"
	logx "tgrelay/pkg/logx"
)

type Options struct {
	ConfigPath string
	EnvFiles   []string
	// Getenv overrides the environment lookup (tests).
	Getenv func(string) string
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	mon  *monitor.Monitor
	http *server.Server

	client *http.Client

	mu       sync.Mutex
	store    storage.Store
	storeCfg storage.Config
	settings config.Settings
	cfgErr   error
	sched    *scheduler.Service
	lastRun  *runStatus
}

type runStatus struct {
	At      time.Time       `json:"at"`
	Summary monitor.Summary `json:"summary"`
}

// New loads configuration and builds the pipeline. A configuration that
// parses but does not validate is not fatal here: runs report it as an
// error until a valid config is loaded.
func New(opts Options) (*App, error) {
	if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(opts.ConfigPath)
	if opts.Getenv != nil {
		cfgm.SetEnv(opts.Getenv)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg))
	bus := eventbus.New()
	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    bus,
		client: &http.Client{},
		mon:    monitor.New(nil, monitor.Deps{Bus: bus, Log: log}),
	}
	a.http = server.New(a.Run, a.health, log)

	s, err := config.Validate(cfg)
	if err != nil {
		a.cfgErr = err
		a.log.Error("configuration invalid; runs will fail until it is fixed", logx.Err(err))
		return a, nil
	}
	if err := a.apply(s); err != nil {
		_ = a.logs.Close()
		return nil, err
	}
	return a, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// apply builds the pipeline stages for s and swaps them into the monitor.
// Storage is opened once; later storage changes need a restart.
func (a *App) apply(s config.Settings) error {
	sender, err := telegram.New(telegram.Config{
		Token:   s.BotToken,
		APIURL:  s.APIURL,
		Timeout: s.DeliveryTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	sc := storage.Config{Driver: s.StorageDriver, Path: s.StoragePath, BusyTimeout: s.StorageBusyTimeout}

	a.mu.Lock()
	store := a.store
	if store != nil && sc != a.storeCfg {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	a.mu.Unlock()

	if store == nil {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		store = st
		a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
		if sc.Driver == "memory" {
			a.log.Warn("memory storage does not outlive the process; every new process re-seeds and delivers nothing")
		}
	}

	rel := relay.New(relay.Config{
		Target:         s.Target,
		Delay:          s.DeliveryDelay,
		Timeout:        s.DeliveryTimeout,
		ParseMode:      s.ParseMode,
		DisablePreview: s.DisablePreview,
		ShowSource:     s.ShowSource,
	}, sender, store, a.log.With(logx.String("comp", "relay")))

	a.mon.Reconfigure(s.Channels, monitor.Deps{
		Fetcher: feed.NewFetcher(feed.FetcherConfig{
			BaseURL:        s.FeedBaseURL,
			UserAgent:      s.UserAgent,
			AcceptLanguage: s.AcceptLanguage,
			Timeout:        s.FetchTimeout,
		}, a.client),
		Extractor: feed.NewExtractor(a.log.With(logx.String("comp", "extract"))),
		Dedup:     seen.New(store, s.Capacity, a.log.With(logx.String("comp", "seen"))),
		Relay:     rel,
	})

	a.mu.Lock()
	if a.store == nil {
		a.store, a.storeCfg = store, sc
	}
	a.settings = s
	a.cfgErr = nil
	a.mu.Unlock()

	a.log.Info("pipeline configured",
		logx.Int("channels", len(s.Channels)),
		logx.String("target", s.Target),
		logx.Int("capacity", s.Capacity),
		logx.Duration("delay", s.DeliveryDelay),
	)
	return nil
}

// Run performs one monitor run. It fails with an error wrapping
// config.ErrInvalid while the configuration is unusable and with
// monitor.ErrRunInProgress when another run is active.
func (a *App) Run(ctx context.Context) (monitor.Report, error) {
	a.mu.Lock()
	cfgErr := a.cfgErr
	timeout := a.settings.RunTimeout
	a.mu.Unlock()
	if cfgErr != nil {
		return monitor.Report{}, cfgErr
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return a.mon.RunExclusive(ctx)
}

func (a *App) health() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := map[string]any{
		"status":      "ok",
		"running":     a.mon.Running(),
		"configValid": a.cfgErr == nil,
		"channels":    len(a.settings.Channels),
	}
	if a.sched != nil {
		if next := a.sched.Next(); !next.IsZero() {
			h["nextRun"] = next.UTC()
		}
	}
	if a.lastRun != nil {
		h["lastRun"] = a.lastRun
	}
	return h
}

// Err returns the first fatal error observed while serving.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the service context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Start runs the service: HTTP trigger, optional scheduler, config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Validate(cfg)
		return err
	})

	if err := a.http.Apply(c, a.serverConfig(a.cfgm.Get())); err != nil {
		return err
	}

	a.mu.Lock()
	s, valid := a.settings, a.cfgErr == nil
	a.mu.Unlock()
	if valid {
		if err := a.applyScheduler(c, s); err != nil {
			return err
		}
		if s.SchedulerEnabled && s.RunOnStart {
			a.sup.Go("run.on_start", func(context.Context) error {
				a.mu.Lock()
				sched := a.sched
				a.mu.Unlock()
				if sched != nil {
					sched.Trigger()
				}
				return nil
			})
		}
	}

	events, unsub := a.bus.Subscribe(64)
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
				a.onEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.onReload(c, cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 30*time.Second)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("service started", logx.String("addr", a.http.Addr()), logx.Bool("config_valid", valid))
	return nil
}

func (a *App) serverConfig(cfg *config.Config) server.Config {
	sc := server.Config{Addr: config.DefaultServerAddr}
	if cfg == nil {
		return sc
	}
	if addr := strings.TrimSpace(cfg.Server.Addr); addr != "" {
		sc.Addr = addr
	}
	sc.Token = strings.TrimSpace(cfg.Server.Token)
	return sc
}

func (a *App) applyScheduler(ctx context.Context, s config.Settings) error {
	a.mu.Lock()
	sched := a.sched
	a.mu.Unlock()

	if !s.SchedulerEnabled {
		if sched != nil {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			sched.Stop(stopCtx)
			cancel()
			a.mu.Lock()
			a.sched = nil
			a.mu.Unlock()
			a.log.Info("scheduler disabled via config")
		}
		return nil
	}

	scfg := scheduler.Config{Schedule: s.Schedule, Timezone: s.Timezone}
	if sched != nil {
		return sched.Apply(scfg)
	}
	sched, err := scheduler.New(scfg, a.scheduledRun, a.log)
	if err != nil {
		return fmt.Errorf("%w: scheduler: %v", config.ErrInvalid, err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.sched = sched
	a.mu.Unlock()
	return nil
}

func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.Run(ctx)
	if errors.Is(err, monitor.ErrRunInProgress) {
		a.log.Info("scheduled run skipped; a run is already in progress")
		return nil
	}
	return err
}

func (a *App) onEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.RunCompleted:
		sum, ok := e.Data.(monitor.Summary)
		if !ok {
			return
		}
		a.mu.Lock()
		a.lastRun = &runStatus{At: e.Time.UTC(), Summary: sum}
		a.mu.Unlock()
	case eventbus.ChannelCompleted:
		if res, ok := e.Data.(monitor.ChannelResult); ok {
			a.log.Debug("event", logx.String("type", e.Type), logx.String("channel", res.Channel), logx.Bool("success", res.Success))
		}
	}
}

func (a *App) onReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logConfig(cfg))

	s, err := config.Validate(cfg)
	if err != nil {
		// The manager validates before publishing; keep the previous pipeline.
		a.log.Warn("reloaded config invalid; keeping previous", logx.Err(err))
		return
	}
	if err := a.apply(s); err != nil {
		a.log.Error("pipeline rebuild failed; keeping previous", logx.Err(err))
		return
	}
	if err := a.http.Apply(ctx, a.serverConfig(cfg)); err != nil {
		a.log.Error("http trigger reconfigure failed", logx.Err(err))
	}
	if err := a.applyScheduler(ctx, s); err != nil {
		a.log.Error("scheduler reconfigure failed", logx.Err(err))
	}
}

// Stop shuts the service down, bounding each step.
func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.log.Info("stopping")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		a.sup.Cancel()

		a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error {
			a.mu.Lock()
			sched := a.sched
			a.mu.Unlock()
			if sched != nil {
				sched.Stop(c)
			}
			return nil
		})
		a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	return a.Close()
}

// Close releases storage and log files. Stop calls it.
func (a *App) Close() error {
	a.mu.Lock()
	store := a.store
	a.store = nil
	a.mu.Unlock()

	var err error
	if store != nil {
		err = store.Close()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs fn with an upper bound so one component cannot stall shutdown.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
