package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/chat"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/cron"
	otelPkg "github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/realtime"
	"github.com/basket/agentdeck/internal/telemetry"
)

// app holds what every command needs: config, logger, telemetry, the event
// bus and the HTTP client.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile io.Closer
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	bus     *bus.Bus
	api     *api.Client
}

// newApp loads config and builds the shared plumbing. quiet keeps log lines
// out of stdout.
func newApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	slog.SetDefault(logger)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	client := api.New(cfg.APIBaseURL, cfg.RequestTimeout())
	client.Logger = logger
	client.Tracer = provider.Tracer
	client.Metrics = metrics

	return &app{
		cfg:     cfg,
		logger:  logger,
		logFile: logFile,
		otel:    provider,
		metrics: metrics,
		bus:     bus.New(),
		api:     client,
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
	a.logFile.Close()
}

func (a *app) realtimeConfig() realtime.Config {
	rc := a.cfg.Reconnect
	return realtime.Config{
		BaseURL: a.cfg.WSBaseURL,
		Reconnect: realtime.ReconnectPolicy{
			Enabled:        rc.Enabled,
			InitialBackoff: rc.InitialBackoff(),
			MaxBackoff:     rc.MaxBackoff(),
			MaxAttempts:    rc.MaxAttempts,
		},
		Logger:  a.logger,
		Bus:     a.bus,
		Metrics: a.metrics,
	}
}

func (a *app) controller(model string) *chat.Controller {
	return chat.New(chat.Config{
		Backend: a.api,
		Dial:    chat.RealtimeDialer(a.realtimeConfig()),
		Logger:  a.logger,
		Bus:     a.bus,
		Metrics: a.metrics,
		Model:   model,
	})
}

// startRefresher reloads history on the configured schedule. It returns nil
// when the schedule is empty or invalid.
func (a *app) startRefresher(ctx context.Context, ctrl *chat.Controller) *cron.Scheduler {
	sched, err := cron.NewScheduler(cron.Config{
		Schedule: a.cfg.RefreshSchedule,
		Refresh: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, a.requestTimeout())
			defer cancel()
			_, err := ctrl.LoadHistory(ctx)
			return err
		},
		Skip:   func() bool { return ctrl.SessionID() == "" },
		Logger: a.logger,
	})
	if errors.Is(err, cron.ErrDisabled) {
		a.logger.Info("history refresh disabled")
		return nil
	}
	if err != nil {
		a.logger.Warn("history refresh not scheduled", "error", err)
		return nil
	}
	sched.Start(ctx)
	return sched
}

// watchConfig republishes config.yaml edits on the bus. The running process
// keeps its settings until restarted.
func (a *app) watchConfig(ctx context.Context) {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for ev := range w.Events() {
			if ev.Err != nil {
				a.logger.Warn("config.yaml no longer loads; fix it before restarting", "path", ev.Path, "error", ev.Err)
			} else {
				a.logger.Warn("config changes apply on next start", "path", ev.Path, "fingerprint", ev.Fingerprint)
			}
			a.bus.Publish(bus.TopicConfigChanged, bus.ConfigChangedEvent{Path: ev.Path})
		}
	}()
}
