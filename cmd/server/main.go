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

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/example/donor-matching/internal/config"
	"github.com/example/donor-matching/internal/dispatch"
	"github.com/example/donor-matching/internal/geo"
	httpapi "github.com/example/donor-matching/internal/http"
	"github.com/example/donor-matching/internal/ingest"
	"github.com/example/donor-matching/internal/logging"
	"github.com/example/donor-matching/internal/matcher"
	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/storage"
)

type donorBackend interface {
	storage.DonorStore
	storage.RequestStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var (
		store    donorBackend = storage.NewMemoryStore()
		mongoDB  *mongo.Database
		rdb      *redis.Client
		audit    storage.AuditStore = storage.NopAudit{}
		producer *ingest.KafkaProducer
	)

	if cfg.MongoURI != "" {
		client, err := storage.Connect(ctx, cfg.MongoURI)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		mongoDB = client.Database(cfg.MongoDatabase)
		ms := storage.NewMongoStore(mongoDB)
		if err := ms.EnsureIndexes(ctx); err != nil {
			logger.Warn("mongo index creation failed", "error", err)
		}
		store = ms
		logger.Info("donor store: mongo", "database", cfg.MongoDatabase)
	} else {
		logger.Info("donor store: memory")
	}

	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rdb.Close() })
	}

	if cfg.PGDSN != "" {
		pa, err := storage.NewPostgresAudit(cfg.PGDSN)
		if err != nil {
			logger.Warn("search audit disabled", "error", err)
		} else {
			closers = append(closers, func() { _ = pa.Close() })
			if cfg.RunMigrations {
				if err := pa.Migrate(ctx); err != nil {
					logger.Error("migration failed", "error", err)
				} else {
					logger.Info("migrations applied")
				}
			}
			async := storage.NewAsyncAudit(pa, 0, logger)
			closers = append(closers, func() { _ = async.Close() })
			audit = async
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, func() { _ = producer.Close() })
	}

	index, indexUpdate := buildIndex(cfg, store, mongoDB, rdb, logger)
	var cached *geo.CachedIndex
	if cfg.GeoCacheTTL > 0 {
		cached = geo.NewCachedIndex(index, cfg.GeoCacheTTL, cfg.GeoCacheSize)
		index = cached
	}

	m := &matcher.Service{
		Index:            index,
		Pool:             store,
		Audit:            audit,
		Logger:           logger,
		IndexTimeout:     cfg.IndexTimeout,
		FallbackPoolSize: cfg.MatcherFallbackPool,
		ResultCap:        cfg.MatcherResultCap,
		Speculative:      cfg.MatcherSpeculative,
	}

	sessions := dispatch.NewSessionRegistry(logger)
	alerter := &dispatch.Alerter{Matcher: m, Sessions: sessions, RadiusKm: cfg.AlertRadiusKm, Timeout: cfg.AlertTimeout, Logger: logger}
	if cfg.AlertWebhookURL != "" {
		alerter.Fallback = dispatch.NewWebhookNotifier(cfg.AlertWebhookURL)
	}

	deps := httpapi.Deps{
		Matcher:     m,
		Donors:      store,
		Requests:    store,
		IndexUpdate: indexUpdate,
		Sessions:    sessions,
		Alerter:     alerter,
	}
	if producer != nil {
		deps.Publisher = producer
	}
	if cached != nil {
		deps.Cache = cached
	}
	api := httpapi.NewServer(deps, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("donor-matching listening", "addr", cfg.HTTPAddr, "index_backend", cfg.IndexBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	alerter.Wait()
	logger.Info("server stopped")
}

// buildIndex picks the geo index for the configured backend and returns the
// writer used to apply location updates to it. The memory index is seeded
// from the donor store.
func buildIndex(cfg config.ServerConfig, store donorBackend, db *mongo.Database, rdb *redis.Client, logger *slog.Logger) (geo.Index, httpapi.IndexWriter) {
	switch cfg.IndexBackend {
	case config.BackendRedis:
		idx := geo.NewRedisIndex(rdb, cfg.RedisGeoKey, cfg.IndexCandidateCap)
		return idx, idx.Upsert
	case config.BackendMongo:
		if db == nil {
			logger.Error("mongo index requested without a mongo store")
			os.Exit(1)
		}
		// location writes go through the donor store, which is the index
		return geo.NewMongoIndex(db.Collection(storage.DonorsCollection), cfg.IndexCandidateCap), nil
	}

	idx := geo.NewMemoryIndex(cfg.IndexCandidateCap)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	locs, err := store.LocatedDonors(ctx, models.Filters{}, 0)
	if err != nil {
		logger.Warn("memory index seed failed", "error", err)
	}
	for _, l := range locs {
		idx.Upsert(l)
	}
	logger.Info("memory index seeded", "donors", idx.Len())
	return idx, func(_ context.Context, loc models.DonorLocation) error {
		idx.Upsert(loc)
		return nil
	}
}
