package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var opts []httpapi.Option
	regOpts := []registry.Option{registry.WithLogger(logger), registry.WithSearchRadius(cfg.Dispatch.RadiusMeters)}

	var redisDir *directory.RedisDirectory
	var writer *directory.WriteBehind
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rc.Close() })
		redisDir = directory.NewRedisDirectory(rc, cfg.RedisGeoKey, cfg.CollaboratorTimeout)
		writer = directory.NewWriteBehind(redisDir, directory.WriteBehindConfig{
			Attempts: cfg.PersistAttempts,
			Backoff:  cfg.PersistBackoff,
			Timeout:  cfg.CollaboratorTimeout,
		}, logger)
		regOpts = append(regOpts, registry.WithPersister(writer))
		opts = append(opts, httpapi.WithReadyCheck("redis", redisDir.Ping))
	}

	reg := registry.New(geo.NewIndex(cfg.GeoCellDegrees), regOpts...)
	writerDone := make(chan struct{})
	if writer != nil {
		wctx, cancel := context.WithCancel(context.Background())
		go func() {
			defer close(writerDone)
			writer.Run(wctx)
		}()
		closers = append(closers, func() {
			cancel()
			<-writerDone
		})
		if n, err := reg.Warm(ctx, redisDir); err != nil {
			logger.Warn("registry warm start failed", "error", err)
		} else {
			logger.Info("registry warmed", "drivers", n)
		}
	}

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = pg.Close() })
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, logger); err != nil {
				return err
			}
		}
		store = storage.NewResilient(pg, storage.ResilientConfig{
			Timeout:  cfg.CollaboratorTimeout,
			Attempts: cfg.PersistAttempts,
			Backoff:  cfg.PersistBackoff,
		}, logger)
		opts = append(opts, httpapi.WithReadyCheck("postgres", pg.Ping))
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory only")
	}

	hub := realtime.NewHub(logger)
	machine := ride.NewMachine(store, ride.WithLogger(logger), ride.WithFlush(ride.FlushConfig{
		Attempts: cfg.PersistAttempts,
		Backoff:  cfg.PersistBackoff,
	}))
	flushCtx, stopFlush := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		machine.Run(flushCtx)
	}()
	closers = append(closers, func() {
		stopFlush()
		<-flushDone
	})

	sink, closeSinks := notificationSink(cfg, logger)
	closers = append(closers, closeSinks)
	notifier := notify.NewAsync(sink, notify.AsyncConfig{Timeout: cfg.CollaboratorTimeout}, logger)
	closers = append(closers, notifier.Close)

	engine := dispatch.NewEngine(dispatch.Config{
		Candidates:   cfg.Dispatch.Candidates,
		OfferTimeout: cfg.Dispatch.OfferTimeout,
	}, reg, machine, hub, dispatch.WithLogger(logger), dispatch.WithNotifier(notifier))
	closers = append(closers, engine.Stop)

	prices, err := pricing.NewEngine(cfg.Pricing, cfg.Surge)
	if err != nil {
		return err
	}

	var primary routing.Client
	if cfg.OSRMEndpoint != "" {
		primary = routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.CollaboratorTimeout)
	}
	router := routing.NewRouter(primary, routing.NewCache(cfg.RouteCacheTTL), logger)

	deps := service.Deps{
		Machine:  machine,
		Engine:   engine,
		Registry: reg,
		Store:    store,
		Pricing:  prices,
		Router:   router,
		Hub:      hub,
		Notifier: notifier,
		Logger:   logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.CollaboratorTimeout)
		closers = append(closers, func() { _ = producer.Close() })
		deps.Ingest = producer
	}
	svc := service.New(deps)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, hub, logger, opts...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// notificationSink fans out to every configured transport, or logs when none is.
func notificationSink(cfg config.ServerConfig, logger *slog.Logger) (notify.Sink, func()) {
	var sinks notify.Multi
	var closers []func() error
	if cfg.NotificationServiceURL != "" {
		sinks = append(sinks, notify.NewHTTPSink(cfg.NotificationServiceURL))
	}
	if cfg.KafkaNotifyTopic != "" && len(cfg.KafkaBrokers) > 0 {
		k := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.AMQPURL != "" {
		a, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("rabbitmq unavailable, skipping notification sink", "error", err)
		} else {
			sinks = append(sinks, a)
			closers = append(closers, a.Close)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if len(sinks) == 0 {
		return notify.Log{Logger: logger}, closeAll
	}
	return sinks, closeAll
}

func migrate(ctx context.Context, pg *storage.PostgresStore, logger *slog.Logger) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
	return nil
}
