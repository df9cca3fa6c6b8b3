package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssawhney/gridvault/internal/config"
	"github.com/ssawhney/gridvault/internal/handlers"
	"github.com/ssawhney/gridvault/internal/storage"
	"github.com/ssawhney/gridvault/internal/store"
	"github.com/ssawhney/gridvault/internal/tracing"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Info().Msg("starting gridvault")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().
		Str("service", cfg.ServiceName).
		Str("port", cfg.ServicePort).
		Str("backend", cfg.Backend).
		Int64("chunk_size", cfg.ChunkSize).
		Msg("configuration loaded")

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error().Err(err).Msg("error shutting down tracer")
		}
	}()

	index, blobs, cache, closeBackends, err := buildBackends(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage backend")
	}
	defer closeBackends()

	st := store.New(index, blobs, cache, cfg.ChunkSize)

	gcCtx, stopGC := context.WithCancel(context.Background())
	defer stopGC()
	sweeper := store.NewSweeper(index, blobs, cfg.GCGrace)
	go sweeper.Run(gcCtx, cfg.GCInterval)

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      handlers.NewRouter(st),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.ServicePort).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopGC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server exited")
}

// buildBackends wires the index, blob store, and cache for the configured
// backend. Every constructor verifies its substrate connection, so a
// returned store is ready by construction.
func buildBackends(cfg *config.Config) (store.Index, store.BlobStore, store.Cache, func(), error) {
	switch cfg.Backend {
	case config.BackendMinio:
		db, err := storage.OpenDB("mysql", cfg.GetDSN())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		index, err := storage.NewSQLIndex(db, "mysql")
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		blobs, err := storage.NewMinioBlobStore(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		cache, err := storage.NewRedisCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		closer := func() {
			cache.Close()
			db.Close()
		}
		return index, blobs, cache, closer, nil

	case config.BackendSQLite:
		db, err := storage.OpenDB("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		index, err := storage.NewSQLIndex(db, "sqlite")
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		blobs, err := storage.NewSQLBlobStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		return index, blobs, storage.NopCache{}, func() { db.Close() }, nil

	default: // config.BackendMemory
		return storage.NewMemoryIndex(), storage.NewMemoryBlobStore(), storage.NopCache{}, func() {}, nil
	}
}
