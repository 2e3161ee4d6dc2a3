package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"notify-service/internal/api/routes"
	"notify-service/internal/config"
	"notify-service/internal/database"
	"notify-service/internal/events"
	"notify-service/internal/jobs"
	"notify-service/internal/logger"
	"notify-service/internal/metrics"
	"notify-service/internal/monitoring"
	"notify-service/internal/queue"
	"notify-service/internal/store"
	"notify-service/internal/websocket"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slogger := logger.New(cfg.Log)
	slog.SetDefault(slogger)
	slog.Info("Starting notify server", "node", cfg.Events.NodeID, "store", cfg.Store.Driver)

	if err := run(cfg, slogger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func run(cfg *config.Config, slogger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg, slogger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()

	registry := websocket.NewRegistry(slogger)
	hub := websocket.NewHub(registry, websocket.HubOptions{
		JWTSecret:         cfg.JWT.Secret,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.Burst,
		SendBufferSize:    cfg.WebSocket.SendBufferSize,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Logger:            slogger,
		Metrics:           m,
	})
	go hub.Run()
	defer hub.Stop()

	graph := events.NewStoreGraph(st)
	router := events.NewRouter(hub, registry, events.RouterOptions{
		Store:       st,
		Graph:       graph,
		SnapshotTTL: cfg.Events.SnapshotTTL,
		Logger:      slogger,
		Metrics:     m,
	})
	events.RegisterDefaults(router)

	relay := events.NewRelay(st, router, cfg.Events.NodeID, slogger)
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer relay.Stop()

	if cfg.Kafka.Enabled() && cfg.Kafka.EventsTopic != "" {
		source := events.NewKafkaSource(events.KafkaSourceConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
			GroupID: cfg.Kafka.GroupID,
		}, router, slogger)
		go func() {
			if err := source.Run(ctx); err != nil {
				slog.Error("Kafka event source stopped", "error", err)
			}
		}()
		defer source.Close()
	}

	engineOpts := queue.Options{
		PollTimeout:   cfg.Queue.PollTimeout,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
		SweepInterval: cfg.Queue.SweepInterval,
		Logger:        slogger,
		Metrics:       m,
	}
	if cfg.Kafka.Enabled() && cfg.Kafka.DeadLetterTopic != "" {
		sink, err := queue.NewKafkaDeadLetterSink(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		engineOpts.DeadLetter = sink
	}

	engine, err := queue.New(st, queueDefinitions(cfg.Queue.Definitions), engineOpts)
	if err != nil {
		return fmt.Errorf("queue definitions: %w", err)
	}
	if err := jobs.New(st, router, slogger).Register(engine); err != nil {
		return err
	}
	if err := engine.StartAllWorkers(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer engine.StopAllWorkers()

	monitor := monitoring.New(st, engine, registry, monitoring.Options{
		Interval:            cfg.Monitor.Interval,
		QueueDepthThreshold: cfg.Monitor.QueueDepthThreshold,
		FailedJobsThreshold: cfg.Monitor.FailedJobsThreshold,
		LatencyThresholdMs:  cfg.Monitor.LatencyThresholdMs,
		HistorySize:         cfg.Monitor.AlertHistory,
		Logger:              slogger,
		Metrics:             m,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	httpRouter := routes.NewRouter(routes.Dependencies{
		Hub:            hub,
		Registry:       registry,
		Events:         router,
		Graph:          graph,
		Queues:         engine,
		Monitor:        monitor,
		Metrics:        m,
		Logger:         slogger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminToken:     cfg.Server.AdminToken,
	})
	httpRouter.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpRouter.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	return nil
}

// openStore connects the configured backing store and returns its closer.
func openStore(cfg *config.Config, slogger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		slog.Warn("Using in-memory store; state is not shared between instances")
		mem := store.NewMemory()
		return mem, func() { mem.Close() }, nil
	default:
		client, err := database.NewRedisConnection(cfg.Redis, slogger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		st := store.NewRedis(client.GetClient(), store.RedisOptions{Namespace: cfg.Store.Namespace, Logger: slogger})
		return st, func() { client.Close() }, nil
	}
}

func queueDefinitions(defs []config.QueueDefinition) []queue.Definition {
	out := make([]queue.Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, queue.Definition{
			Name:        d.Name,
			Priority:    queue.Priority(d.Priority),
			Concurrency: d.Concurrency,
			MaxRetries:  d.MaxRetries,
			RetryDelay:  d.RetryDelay,
			Timeout:     d.Timeout,
		})
	}
	return out
}
