package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"telepool-go/internal/config"
	"telepool-go/internal/connector"
	"telepool-go/internal/events"
	"telepool-go/internal/fetcher"
	"telepool-go/internal/logging"
	"telepool-go/internal/pool"
	"telepool-go/internal/runtime"
	"telepool-go/internal/server"
	"telepool-go/internal/session"
	"telepool-go/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg := config.LoadWithFile(*configPath)
	if cfg == nil {
		log.Fatal("Failed to load configuration")
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	log.Infof("Starting telepool (config: %s)", *configPath)

	registry, err := session.Discover()
	if err != nil {
		log.WithError(err).Fatal("no usable session credentials")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageBackend, err := buildStorage(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("storage backend initialization failed; falling back to memory backend")
		storageBackend = storage.NewMemoryBackend()
	}
	defer func() { _ = storageBackend.Close() }()

	hub := events.NewHub()
	if cfg.Debug {
		for _, topic := range []string{
			events.TopicSessionConnected,
			events.TopicSessionFailed,
			events.TopicSessionInvalidated,
		} {
			hub.Subscribe(topic, func(_ context.Context, evt events.Event) {
				log.WithField("topic", evt.Topic).Debugf("pool event: %v", evt.Payload)
			})
		}
	}

	sessionPool, err := pool.New(pool.Options{
		Registry:  registry,
		Connector: connector.NewGatewayConnector(cfg.GatewayURL),
		APIID:     cfg.APIID,
		APIHash:   cfg.APIHash,
		Config:    cfg.Pool,
		Events:    hub,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build session pool")
	}

	fetchSvc := fetcher.New(sessionPool, storageBackend)
	engine := server.BuildEngine(cfg, server.Dependencies{
		Pool:    sessionPool,
		Fetcher: fetchSvc,
		Storage: storageBackend,
	})

	tasks := runtime.NewTaskManager(ctx)
	startBackgroundTasks(ctx, tasks, cfg, *configPath, sessionPool, hub)

	if err := server.Run(ctx, cfg, engine); err != nil {
		log.WithError(err).Error("http server error")
	}

	// Orderly teardown: background tasks first, then the pool's connections.
	tasks.StopAll()
	tasks.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sessionPool.Shutdown(shutdownCtx)

	log.Info("telepool stopped")
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	backend, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := backend.Initialize(initCtx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	log.WithField("backend", cfg.StorageBackend).Info("storage backend ready")
	return backend, nil
}

func startBackgroundTasks(ctx context.Context, tasks *runtime.TaskManager, cfg *config.Config, configPath string, sessionPool *pool.Pool, hub *events.Hub) {
	if err := tasks.Start("config-watcher", func(taskCtx context.Context) error {
		return config.Watch(taskCtx, configPath, func(next *config.Config) {
			// Only runtime-tunable knobs apply on reload; pool wiring and
			// session slots are fixed at startup.
			if err := logging.Setup(next); err != nil {
				log.WithError(err).Warn("failed to apply reloaded logging configuration")
				return
			}
			hub.Publish(ctx, events.TopicConfigReloaded, configPath, nil)
			log.Info("configuration reloaded")
		})
	}); err != nil {
		log.WithError(err).Warn("failed to start config watcher")
	}

	interval := time.Duration(cfg.StatusLogIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	if err := tasks.StartPeriodic("pool-status", interval, func(context.Context) error {
		st := sessionPool.Status()
		log.WithFields(log.Fields{
			"total":       st.Total,
			"valid":       st.Valid,
			"connected":   st.Connected,
			"connecting":  st.Connecting,
			"failed":      st.Failed,
			"invalidated": len(st.Invalidated),
		}).Info("pool status")
		return nil
	}); err != nil {
		log.WithError(err).Warn("failed to start pool status logger")
	}
}
