package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

// messageReader is the part of kafka.Reader the consume loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	dir := directory.NewRedisDirectory(rc, cfg.RedisGeoKey, cfg.Timeout)

	go serveOps(cfg.MetricsAddr, dir.Ping, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	m := &ingest.Mirror{Store: dir, Attempts: cfg.Attempts, Backoff: cfg.Backoff}
	consume(ctx, r, m, logger)
	logger.Info("shutting down consumer")
}

func serveOps(addr string, ping func(context.Context) error, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// consume mirrors messages until ctx is done. Read errors back off
// exponentially up to maxBackoff.
func consume(ctx context.Context, r messageReader, m *ingest.Mirror, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		handleMessage(ctx, m, msg.Value, logger)
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit failed", "error", err, "offset", msg.Offset)
		}
	}
}

// handleMessage applies one message and reports the outcome label it recorded.
// Invalid and failed messages are logged and skipped.
func handleMessage(ctx context.Context, m *ingest.Mirror, value []byte, logger *slog.Logger) string {
	ev, err := m.Handle(ctx, value)
	result := "applied"
	switch {
	case errors.Is(err, ingest.ErrInvalidMessage):
		result = "invalid"
		logger.Warn("invalid location message", "error", err)
	case err != nil:
		result = "failed"
		observability.CollaboratorErrors.WithLabelValues("directory", "update_location").Inc()
		logger.Error("location mirror failed", "driver_id", ev.DriverID, "error", err)
	}
	observability.MirrorMessages.WithLabelValues(result).Inc()
	return result
}
