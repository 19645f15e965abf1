package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"boardsync/api"
	"boardsync/bus"
	"boardsync/config"
	"boardsync/coordinator"
	"boardsync/notify"
	"boardsync/presence"
	"boardsync/storage"
	"boardsync/stream"
)

const shutdownTimeout = 10 * time.Second

// seededStore is a position store that also accepts fixture data.
type seededStore interface {
	storage.Backend
	storage.Seeder
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.LogJSON {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	// Recording spans give every request log a trace ID even without an
	// exporter.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()
	if cfg.SeedFile != "" {
		if err := seed(ctx, base, cfg.SeedFile); err != nil {
			log.Fatalf("seed: %v", err)
		}
		logger.WithField("file", cfg.SeedFile).Info("store seeded")
	}

	// Reads served to clients may come from the cache. The coordinator plans
	// writes from what it reads and always reads the store itself.
	var store, writer storage.Backend = base, base
	var locker coordinator.Locker = coordinator.NewLocalLocker()
	var deduper api.Deduper
	var rc *redis.Client
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	if redisOpts != nil {
		rc = redis.NewClient(redisOpts)
		defer rc.Close()
		cache := storage.NewCache(base, rc, cfg.CacheTTL, logger)
		store, writer = cache, cache.Writer()
		locker = coordinator.Chain(coordinator.NewLocalLocker(), coordinator.NewRedisLocker(rc, cfg.RedisLockTTL, logger))
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	registry := presence.NewRegistry()
	eventBus := bus.New(registry, logger)
	coord := coordinator.New(coordinator.Config{
		Store:       writer,
		Authorizer:  writer,
		Locker:      locker,
		Sinks:       []coordinator.Sink{eventBus},
		Logger:      logger,
		LockTimeout: cfg.LockTimeout,
	})

	if rc != nil {
		relay := bus.NewRelay(rc, cfg.RelayChannel, eventBus, cfg.RelayBuffer, logger)
		go relay.Run(ctx)
		go relay.Subscribe(ctx)
		coord.AddSink(relay)
	}

	if cfg.NotifyQueue != "" {
		queue, err := notify.NewAzureQueue(cfg.StorageConnectionString, cfg.NotifyQueue)
		if err != nil {
			log.Fatalf("notify queue: %v", err)
		}
		notifier := notify.New(queue, notify.Config{
			Workers: cfg.NotifyWorkers,
			Buffer:  cfg.NotifyBuffer,
			Timeout: cfg.NotifyTimeout,
			Handoff: cfg.NotifyHandoff,
		}, logger)
		defer notifier.Close()
		coord.AddSink(notifier)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(cfg.AllowedOrigins),
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			echo.HeaderContentEncoding, "Idempotency-Key", "X-Connection-Id",
		},
	}))
	api.Register(e, api.Deps{
		Coordinator: coord,
		Reader:      store,
		Auth:        auth,
		Deduper:     deduper,
		Logger:      logger,
	})
	e.GET("/ws", echo.WrapHandler(stream.New(stream.Config{
		Registry:  registry,
		Auth:      auth,
		Members:   store,
		Origins:   cfg.AllowedOrigins,
		QueueSize: cfg.ConnectionQueueSize,
		Overflow:  cfg.Overflow(),
		Logger:    logger,
	})))

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()
	logger.WithFields(log.Fields{
		"addr":  cfg.ListenAddr,
		"store": cfg.Store,
		"redis": rc != nil,
	}).Info("boardsync listening")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}

func openStore(ctx context.Context, cfg config.Config) (seededStore, func(), error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreTables:
		s, err := storage.NewTableStore(cfg.StorageConnectionString, storage.TableNames{
			Positions: cfg.PositionsTable,
			Directory: cfg.DirectoryTable,
			Members:   cfg.MembersTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func seed(ctx context.Context, s storage.Seeder, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return storage.LoadFixture(ctx, s, f)
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.AuthMode == config.AuthHS256 {
		return api.NewHS256Auth([]byte(cfg.AuthSecret), cfg.Auth0Audience, cfg.Issuer()), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{})
	if err != nil {
		return nil, err
	}
	return api.NewJWKSAuth(jwks, cfg.Auth0Audience, cfg.Issuer(), cfg.JWKSCacheTTL), nil
}

func corsOrigins(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	return allowed
}
