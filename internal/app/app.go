// Package app assembles the engine: config, logging, storage, remote
// client, scan pipeline, and the Telegram surface.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"coursewatch/internal/compile"
	"coursewatch/internal/config"
	"coursewatch/internal/predict"
	"coursewatch/internal/remote"
	"coursewatch/internal/scan"
	"coursewatch/internal/session"
	"coursewatch/internal/snapshot"
	"coursewatch/internal/storage"
	"coursewatch/internal/tenant"
	"coursewatch/internal/transport/telegram"
	"coursewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	db       *sql.DB
	registry *tenant.Registry
	orch     *scan.Orchestrator
	scanSvc  *scan.Service
	bot      *telegram.Bot

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	registry := tenant.New(db, tenant.Passthrough, log)
	snapStore := snapshot.New(db, log)

	remoteTimeout, err := config.ParseDurationOrDefault("remote.timeout", cfg.Remote.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   remoteTimeout,
		UserAgent: cfg.Remote.UserAgent,
	}, log)
	if err != nil {
		return nil, err
	}

	maxAge, err := config.ParseDurationOrDefault("session.max_age", cfg.Session.MaxAge, 45*time.Minute)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(client, registry, maxAge, log)

	orch := scan.New(scan.Deps{
		Sessions: sessions,
		Fetcher:  client,
		Store:    snapStore,
		Registry: registry,
		Compiler: compile.New(predict.New()),
		Log:      log,
	})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bot, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  pollTimeout,
		RatePerSec:   cfg.Telegram.RatePerSec,
		AdminUserIDs: cfg.Telegram.AdminUserIDs,
	}, orch, registry, log)
	if err != nil {
		return nil, err
	}
	orch.SetNotifier(bot)

	app := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		db:       db,
		registry: registry,
		orch:     orch,
		bot:      bot,
	}

	if cfg.Scan.Enabled {
		svc, err := buildScanService(orch, cfg, log)
		if err != nil {
			return nil, err
		}
		app.scanSvc = svc
	}
	return app, nil
}

func buildScanService(orch *scan.Orchestrator, cfg *config.Config, log logx.Logger) (*scan.Service, error) {
	schedule, err := scan.ParseSchedule(cfg.Scan.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scan.schedule: %w", err)
	}
	jitter, err := config.ParseDurationField("scan.jitter", cfg.Scan.Jitter)
	if err != nil {
		return nil, err
	}
	return scan.NewService(orch, scan.ServiceConfig{
		Schedule:   schedule,
		Jitter:     jitter,
		RunOnStart: cfg.Scan.RunOnStart,
	}, log), nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.runCancel = cancel

	if err := a.bot.Start(runCtx); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}
	if a.scanSvc != nil {
		if err := a.scanSvc.Start(runCtx); err != nil {
			cancel()
			a.runCancel = nil
			return err
		}
	}

	// Hot reload: the watcher republishes validated config edits;
	// logging swaps in place, schedule changes restart the cycle loop.
	updates := a.cfgm.Subscribe(1)
	a.runWG.Add(2)
	go func() {
		defer a.runWG.Done()
		_ = a.cfgm.Watch(runCtx)
	}()
	go func() {
		defer a.runWG.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg := <-updates:
				if cfg == nil {
					continue
				}
				a.applyConfig(runCtx, cfg)
			}
		}
	}()

	a.log.Info("started", logx.Bool("scan_enabled", a.scanSvc != nil))
	return nil
}

// applyConfig handles the reloadable subset of the config. Storage,
// remote, and Telegram settings need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel == nil {
		return
	}

	if a.scanSvc != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		_ = a.scanSvc.Stop(stopCtx)
		cancel()
		a.scanSvc = nil
	}
	if cfg.Scan.Enabled {
		svc, err := buildScanService(a.orch, cfg, a.log)
		if err != nil {
			a.log.Warn("scan config rejected on reload", logx.Err(err))
			return
		}
		if err := svc.Start(ctx); err != nil {
			a.log.Warn("scan restart failed", logx.Err(err))
			return
		}
		a.scanSvc = svc
	}
	a.log.Info("config applied", logx.Bool("scan_enabled", cfg.Scan.Enabled))
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	scanSvc := a.scanSvc
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	if scanSvc != nil {
		_ = scanSvc.Stop(ctx)
	}
	_ = a.bot.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
	return nil
}
