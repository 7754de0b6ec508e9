package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/config"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/events"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/handler"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/monitor"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/scheduler"
	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/storage"
)

const historyPruneSchedule = "0 0 3 * * *"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Run history storage
	var history storage.RunHistoryStore
	if cfg.History.Enabled {
		store, err := storage.NewSQLiteRunHistory(logger, cfg.History.Path)
		if err != nil {
			logger.Fatal("Failed to create run history storage", zap.Error(err))
		}
		defer store.Close()
		history = store
	}

	notifier := events.NewNotifier(logger)
	defer notifier.Close()

	// Log every lifecycle transition
	eventCh, unsubEvents := notifier.Subscribe(events.DefaultSubscriberBuffer)
	go func() {
		for evt := range eventCh {
			logger.Debug("Task event",
				zap.String("type", string(evt.Type)),
				zap.String("task_id", evt.TaskID))
		}
	}()
	defer unsubEvents()

	sched := scheduler.NewService(scheduler.Config{
		MaxTasks:        cfg.Scheduler.MaxTasks,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
	}, notifier, history, logger)

	// Optional NATS wiring: event bridge, metrics publication, alerts
	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}

		bridge, err := events.NewNATSBridge(js, notifier, logger)
		if err != nil {
			logger.Fatal("Failed to create event bridge", zap.Error(err))
		}
		bridge.Start()
		defer bridge.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := monitor.NewFailureWatcher(notifier, js, cfg.Metrics.FailureThreshold, logger)
	watcher.Start()
	defer watcher.Stop()

	if cfg.Metrics.Enabled {
		collector := monitor.NewMetricsCollector(sched, js, cfg.Metrics.Interval, logger)
		collector.Start(ctx)
		defer collector.Stop()
	}

	// Built-in handler types for config-declared tasks
	registry := handler.NewRegistry(logger)
	registry.Register("http_request", handler.NewHTTPRequestFactory())
	registry.Register("shell_command", handler.NewShellCommandFactory())
	registry.Register("file_cleanup", handler.NewFileCleanupFactory())

	for _, tc := range cfg.Tasks {
		h, err := registry.Build(tc.Type, tc.Payload)
		if err != nil {
			logger.Error("Failed to build task handler",
				zap.String("task_id", tc.ID),
				zap.String("type", tc.Type),
				zap.Error(err))
			continue
		}

		view, err := sched.ScheduleTask(ctx, tc.ID, tc.Schedule, h, &model.TaskOptions{
			Timezone:   tc.Timezone,
			RunOnStart: tc.RunOnStart,
			Extra:      map[string]interface{}{"type": tc.Type},
		})
		if err != nil {
			logger.Error("Failed to schedule task",
				zap.String("task_id", tc.ID),
				zap.Error(err))
			continue
		}
		logger.Info("Registered task from config",
			zap.String("task_id", view.ID),
			zap.String("schedule", view.Schedule),
			zap.Timep("next_run", view.NextRun))
	}

	// Keep the history database bounded
	if history != nil {
		prune := handler.NewHistoryPruneHandler(history, cfg.History.Retention, logger)
		if _, err := sched.ScheduleTask(ctx, "history-prune", historyPruneSchedule, prune.Run, nil); err != nil {
			logger.Error("Failed to schedule history prune task", zap.Error(err))
		}
	}

	logger.Info("Task scheduler started",
		zap.String("app", cfg.App.Name),
		zap.Int("max_tasks", cfg.Scheduler.MaxTasks),
		zap.Int("tasks", len(sched.ListTasks())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout reached, some runs may not have completed",
			zap.Error(err))
	}

	stats := sched.GetStats()
	logger.Info("Server shutting down gracefully",
		zap.Uint64("completed", stats.Completed),
		zap.Uint64("failed", stats.Failed))
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.Log.Development {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		return zcfg.Build()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	return nil, err
}
