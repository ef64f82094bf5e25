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

	"github.com/example/provider-matching/internal/booking"
	"github.com/example/provider-matching/internal/catalogsync"
	"github.com/example/provider-matching/internal/config"
	"github.com/example/provider-matching/internal/dispatch"
	"github.com/example/provider-matching/internal/events"
	"github.com/example/provider-matching/internal/geo"
	httpapi "github.com/example/provider-matching/internal/http"
	"github.com/example/provider-matching/internal/logging"
	"github.com/example/provider-matching/internal/matcher"
	"github.com/example/provider-matching/internal/scoring"
	"github.com/example/provider-matching/internal/storage"
)

// backend is what both the Postgres and the in-memory store provide.
type backend interface {
	booking.Store
	scoring.HistoryReader
	scoring.ActiveCounter
	catalogsync.Source
	Ping(ctx context.Context) error
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		store    backend
		pg       *storage.PostgresStore
		closers  []func() error
		readyFns []func(context.Context) error
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()
	if cfg.PGDSN != "" {
		var err error
		pg, err = storage.NewPostgresStore(cfg.PGDSN, cfg.LockTimeout)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, logger); err != nil {
				return err
			}
		}
		store = pg
	} else {
		mem := storage.NewMemoryStore(cfg.LockTimeout)
		if cfg.SeedFile != "" {
			seed, err := storage.LoadSeed(cfg.SeedFile)
			if err != nil {
				return err
			}
			mem.ApplySeed(seed)
			logger.Info("catalog seeded", "file", cfg.SeedFile, "listings", len(seed.Listings))
		}
		store = mem
	}
	readyFns = append(readyFns, store.Ping)

	var index geo.Index
	switch cfg.GeoBackend {
	case config.GeoPostgres:
		index = pg
	case config.GeoRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		readyFns = append(readyFns, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		rg := geo.NewRedisGeo(geo.NewRedisStore(rc), cfg.RedisGeoKey)
		syncer := &catalogsync.Syncer{Source: store, Index: rg, Logger: logger, Timeout: time.Minute}
		c, err := catalogsync.Start(ctx, cfg.CatalogSyncCron, syncer)
		if err != nil {
			return err
		}
		defer c.Stop()
		index = rg
	default:
		mi := geo.NewMemoryIndex()
		listings, err := store.ListMatchableListings(ctx)
		if err != nil {
			return err
		}
		for _, u := range listings {
			mi.Upsert(u.Listing, u.Provider)
		}
		index = mi
	}

	stats := matcher.NewFairnessStats()
	ranker := &matcher.Ranker{
		Geo:           index,
		Trust:         &scoring.TrustScorer{History: store},
		Workload:      &scoring.WorkloadGauge{Counter: store, MaxAllowed: cfg.WorkloadMaxAllowed},
		Stats:         stats,
		Weights:       cfg.Weights,
		DominationCap: cfg.DominationCap,
		DefaultTopN:   cfg.MatcherTopN,
		RetryBackoff:  cfg.MatchRetryBackoff,
		Logger:        logger,
	}

	sinks := []booking.AuditSink{events.LogSink{Logger: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp.Close)
		sinks = append(sinks, kp)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	svc := &booking.Service{
		Store:     store,
		Matcher:   ranker,
		Guard:     &booking.Guard{Logger: logger},
		Sinks:     sinks,
		Notifier:  wsreg,
		Logger:    logger,
		RadiusKm:  cfg.MatchRadiusKm,
		Algorithm: cfg.MatchAlgorithm,
	}

	api := httpapi.NewServer(httpapi.Options{
		Bookings: svc,
		Ranker:   ranker,
		Stats:    stats,
		WSReg:    wsreg,
		Ready: func(ctx context.Context) error {
			for _, fn := range readyFns {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		RadiusKm:       cfg.MatchRadiusKm,
		BookingRate:    cfg.BookingRateLimit,
		BookingBurst:   cfg.BookingRateBurst,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("provider-matching listening", "addr", cfg.HTTPAddr, "geo_backend", cfg.GeoBackend, "postgres", pg != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// migrate applies migrations/*.sql in name order. Every statement is idempotent.
func migrate(ctx context.Context, pg *storage.PostgresStore, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if err := pg.Exec(ctx, string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
