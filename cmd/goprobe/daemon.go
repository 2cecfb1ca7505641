package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/goprobe/internal/agent"
	"github.com/basket/goprobe/internal/audit"
	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/client"
	"github.com/basket/goprobe/internal/config"
	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/persistence"
	"github.com/basket/goprobe/internal/scheduler"
	"github.com/basket/goprobe/internal/sqlengine"
	"github.com/basket/goprobe/internal/table/builtin"
	"github.com/basket/goprobe/internal/telemetry"
)

func runDaemon(ctx context.Context, verbose bool) int {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.ValidateForDaemon(); err != nil {
		return fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	mirror := verbose || isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, mirror)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	store, err := persistence.Open(cfg.StatePath())
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "state_opened", "path", cfg.StatePath())

	instanceID := uuid.NewString()
	hostName, _ := os.Hostname()
	hostUUID, _ := store.KVGet(ctx, persistence.KeyHostUUID)
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Resource{
		Version:    Version,
		InstanceID: instanceID,
		HostName:   hostName,
		HostUUID:   hostUUID,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_METRICS_INIT", err)
	}

	identity := agent.NewIdentity(store, eventBus)
	fleet, err := client.New(client.Config{
		ServerURL:          cfg.ServerURL,
		APIPrefix:          cfg.APIPrefix,
		Timeout:            cfg.RequestTimeout(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		UserAgent:          "goprobe/" + Version,
		Logger:             logger,
		Tracer:             otelProvider.Tracer,
		OnNodeInvalid:      identity.Clear,
	})
	if err != nil {
		return fatalStartup(logger, "E_CLIENT_INIT", err)
	}

	tableOpts := builtin.Options{
		Store:      store,
		Version:    Version,
		InstanceID: instanceID,
		StartTime:  time.Now(),
	}
	factory := func(context.Context) (*scheduler.Runtime, error) {
		eng, err := sqlengine.New(builtin.All(tableOpts), sqlengine.Options{
			Logger: logger,
			Tracer: otelProvider.Tracer,
		})
		if err != nil {
			return nil, err
		}
		a, err := agent.New(agent.Config{
			Engine:       eng,
			Client:       fleet,
			Identity:     identity,
			EnrollSecret: cfg.EnrollSecret,
			Bus:          eventBus,
			Logger:       logger,
			Tracer:       otelProvider.Tracer,
			Metrics:      metrics,
		})
		if err != nil {
			_ = eng.Close()
			return nil, err
		}
		return &scheduler.Runtime{Agent: a, Closer: eng}, nil
	}

	poller, err := scheduler.New(scheduler.Config{
		Factory:             factory,
		Interval:            cfg.Interval(),
		AcceleratedInterval: cfg.AcceleratedInterval(),
		GateWait:            cfg.GateWait(),
		KeepAlive:           cfg.KeepAliveSchedule,
		Bus:                 eventBus,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		return fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}

	var wg sync.WaitGroup
	sub := eventBus.Subscribe("")
	wg.Add(1)
	go func() {
		defer wg.Done()
		recordEvents(context.WithoutCancel(ctx), store, sub.Ch(), logger)
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range watcher.Events() {
				if err := applyConfigReload(cfg.HomeDir, poller, level, logger); err != nil {
					logger.Error("config.yaml reload failed", "error", err)
				}
			}
		}()
	}

	poller.Start(ctx)
	logger.Info("startup phase", "phase", "polling", "server_url", cfg.ServerURL)

	<-ctx.Done()
	logger.Info("shutdown requested")
	poller.Stop()
	eventBus.Unsubscribe(sub)
	wg.Wait()
	logger.Info("shutdown complete", "bus_dropped", eventBus.Dropped())
	return 0
}

type intervalSetter interface {
	SetInterval(d time.Duration)
}

// applyConfigReload re-reads config.yaml and applies the settings that can
// change without a restart: interval_seconds and log_level.
func applyConfigReload(homeDir string, poller intervalSetter, level *slog.LevelVar, logger *slog.Logger) error {
	newCfg, err := config.LoadFrom(homeDir)
	if err != nil {
		return err
	}
	poller.SetInterval(newCfg.Interval())
	level.Set(telemetry.ParseLevel(newCfg.LogLevel))
	logger.Info("config.yaml hot-reloaded",
		"interval", newCfg.Interval(), "log_level", newCfg.LogLevel, "config_fingerprint", newCfg.Fingerprint())
	return nil
}
