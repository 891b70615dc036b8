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

	"github.com/example/donor-matching/internal/config"
	"github.com/example/donor-matching/internal/geo"
	"github.com/example/donor-matching/internal/ingest"
	"github.com/example/donor-matching/internal/logging"
	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
	"github.com/example/donor-matching/internal/storage"
)

// LocationSink is one destination a location event is applied to.
type LocationSink interface {
	Name() string
	Apply(ctx context.Context, ev models.LocationEvent) error
}

type redisSink struct{ idx *geo.RedisIndex }

func (r redisSink) Name() string { return "redis" }
func (r redisSink) Apply(ctx context.Context, ev models.LocationEvent) error {
	return r.idx.Upsert(ctx, ev.DonorLocation())
}

type storeSink struct{ store storage.DonorStore }

func (s storeSink) Name() string { return "store" }
func (s storeSink) Apply(ctx context.Context, ev models.LocationEvent) error {
	return s.store.UpsertLocation(ctx, ev)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		sinks  []LocationSink
		checks []func(context.Context) error
	)
	if cfg.MongoURI != "" {
		client, err := storage.Connect(ctx, cfg.MongoURI)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		sinks = append(sinks, storeSink{store: storage.NewMongoStore(client.Database(cfg.MongoDatabase))})
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx, nil) })
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rc.Close() }()
		sinks = append(sinks, redisSink{idx: geo.NewRedisIndex(rc, cfg.RedisGeoKey, 0)})
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			for _, check := range checks {
				if err := check(r.Context()); err != nil {
					http.Error(w, "not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, sinks, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, sinks []LocationSink, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		handleMessage(ctx, m, sinks, logger)
	}
}

func handleMessage(ctx context.Context, m kafka.Message, sinks []LocationSink, logger *slog.Logger) {
	observability.LocationEvents.WithLabelValues("consumed").Inc()
	ev, err := ingest.DecodeLocation(m)
	if err != nil {
		observability.LocationEvents.WithLabelValues("invalid").Inc()
		logger.Warn("invalid location message", "error", err, "offset", m.Offset)
		return
	}
	for _, s := range sinks {
		if err := applyWithRetry(ctx, s, ev, 3, 200*time.Millisecond); err != nil {
			observability.LocationEvents.WithLabelValues("failed").Inc()
			logger.Error("location update failed", "sink", s.Name(), "donor_id", ev.DonorID, "error", err)
			continue
		}
		observability.LocationEvents.WithLabelValues("applied").Inc()
	}
}

// applyWithRetry applies ev to the sink, retrying with exponential backoff.
func applyWithRetry(ctx context.Context, s LocationSink, ev models.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Apply(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
