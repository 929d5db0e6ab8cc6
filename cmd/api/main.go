package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ferry/internal/audit"
	"ferry/internal/broadcast"
	"ferry/internal/cache"
	"ferry/internal/config"
	"ferry/internal/controller"
	"ferry/internal/convert"
	"ferry/internal/database"
	"ferry/internal/filestore"
	"ferry/internal/orchestrator"
	"ferry/internal/processor"
	"ferry/internal/queue"
	"ferry/internal/rabbitmq"
	"ferry/internal/schema"
	"ferry/internal/server"
	"ferry/internal/transform"
	"ferry/internal/validation"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging)
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info().Str("env", cfg.Env).Int("port", cfg.Port).Msg("Starting ferry")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("ferry stopped with an error")
	}
	log.Info().Msg("ferry stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	funcs := convert.NewRegistry()
	schemas, err := schema.Load(cfg.SchemaFile, funcs, validation.DefaultCustoms())
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	snapshots, err := openSnapshotStore(cfg)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	writer := cache.NewSnapshotWriter(snapshots, cfg.Jobs.SnapshotTTL(), cache.DefaultFlushInterval)
	defer writer.Close()
	bus := broadcast.New(cfg.Jobs.SubscriberBuffer, writer)

	checks := map[string]controller.HealthCheck{
		"database": func(context.Context) error { return db.Health() },
		"cache":    snapshots.Ping,
	}

	sinks := audit.Multi{audit.LogSink{Level: zerolog.InfoLevel}}
	if cfg.RabbitMQ.Enabled {
		client, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.SetupTopology(); err != nil {
			return err
		}

		rabbitSink := audit.NewRabbitSink(client, cfg.RabbitMQ.BufferSize)
		defer rabbitSink.Close()
		sinks = append(sinks, rabbitSink)
		checks["rabbitmq"] = func(context.Context) error { return client.Health() }
	}

	files, err := openFileStore(ctx, cfg)
	if err != nil {
		return err
	}
	checks["storage"] = files.TestConnection

	q := queue.New(db, queue.Options{
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.Jobs.MaxAttempts,
			BaseDelay:   cfg.Jobs.RetryBaseDelay(),
		},
		Validate:     controller.NewSpecValidator(schemas),
		Publisher:    bus,
		Audit:        sinks,
		StoreTimeout: cfg.Jobs.StorageTimeout(),
	})
	defer q.Close()

	if _, err := q.Recover(ctx); err != nil {
		return err
	}

	transformer := transform.New(funcs)
	settings := processor.Settings{
		ChunkSize:        cfg.Jobs.ChunkSize,
		FailureThreshold: cfg.Jobs.FailureThreshold,
		StorageTimeout:   cfg.Jobs.StorageTimeout(),
		SuggestThreshold: cfg.Jobs.SuggestThreshold,
	}
	registry := processor.NewRegistry(
		processor.NewImportProcessor(schemas, transformer, files, db, settings),
		processor.NewExportProcessor(schemas, transformer, db, files, settings),
	)
	pool := orchestrator.NewPool(q, registry, cfg.Jobs.Workers, cfg.Jobs.ErrorSamples)

	var authz controller.Authorizer
	var tokens server.TokenResolver
	if cfg.Auth.Enabled {
		ta := controller.NewTokenAuthorizer(cfg.Auth)
		authz, tokens = ta, ta
		log.Info().Int("tokens", len(cfg.Auth.Tokens)).Msg("Token authentication enabled")
	}

	jc := controller.NewJobController(q, bus, schemas, authz, sinks, cfg.Jobs.SuggestThreshold)
	httpServer := server.New(*cfg, controller.NewServer(checks), jc, tokens)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDatabase(cfg *config.Config) (database.Database, error) {
	if cfg.Storage.Records == "memory" {
		log.Warn().Msg("Using in-memory storage; jobs and records are lost on restart")
		return database.NewMemory(), nil
	}
	return database.New(cfg)
}

func openSnapshotStore(cfg *config.Config) (cache.SnapshotStore, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(), nil
	}
	return cache.NewRedisCache(cfg.Redis)
}

func openFileStore(ctx context.Context, cfg *config.Config) (*filestore.Mux, error) {
	local, err := filestore.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		return nil, err
	}
	mux := &filestore.Mux{Local: local, Artifacts: local}

	if cfg.S3.Enabled {
		s3, err := filestore.NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		mux.S3 = s3
		if cfg.Storage.Artifacts == "s3" {
			mux.Artifacts = s3
		}
	}
	return mux, nil
}

func setupLogger(config config.LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Logger = log.With().Timestamp().Logger()
}
