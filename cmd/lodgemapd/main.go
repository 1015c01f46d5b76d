package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stayware/lodgemap/internal/cleanup"
	"github.com/stayware/lodgemap/internal/database"
	"github.com/stayware/lodgemap/internal/jobs"
	"github.com/stayware/lodgemap/internal/logging"
	"github.com/stayware/lodgemap/internal/server"
	"github.com/stayware/lodgemap/internal/statuscache"
	"github.com/stayware/lodgemap/internal/storage"
)

func main() {
	// .env is for local development; absence is fine.
	godotenv.Load()

	logger := logging.Setup(os.Getenv("LODGEMAP_LOG_LEVEL"), os.Getenv("LODGEMAP_LOG_FORMAT"))

	port := envDefault("LODGEMAP_PORT", "8080")
	dbPath := envDefault("LODGEMAP_DB_PATH", "lodgemap.db")

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	artifacts := buildStorage(logger)

	var cache *statuscache.Cache
	if addr := os.Getenv("LODGEMAP_REDIS_ADDR"); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := statuscache.Connect(ctx, statuscache.Config{
			Addr:     addr,
			Password: os.Getenv("LODGEMAP_REDIS_PASSWORD"),
			DB:       envInt("LODGEMAP_REDIS_DB", 0),
		})
		cancel()
		if err != nil {
			slog.Error("failed to connect to redis", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		cache = statuscache.New(client, envDuration("LODGEMAP_CACHE_TTL", 10*time.Second), logger.With("component", "statuscache"))
		slog.Info("status cache enabled", "addr", addr)
	}

	cfg := server.Config{
		Pool: jobs.PoolConfig{
			Workers:            envInt("LODGEMAP_WORKERS", 3),
			JobTimeout:         envDuration("LODGEMAP_JOB_TIMEOUT", 30*time.Second),
			CompletedRetention: envDuration("LODGEMAP_COMPLETED_RETENTION", 24*time.Hour),
		},
		Cleanup: cleanup.Config{
			Interval: envDuration("LODGEMAP_CLEANUP_INTERVAL", time.Hour),
			Defaults: cleanup.Options{
				CompletedRetention: envDuration("LODGEMAP_COMPLETED_RETENTION", 24*time.Hour),
				FailedRetention:    envDuration("LODGEMAP_FAILED_RETENTION", time.Hour),
			},
		},
	}

	srv := server.New(db, artifacts, cache, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Downloads stream large files; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("lodgemap export service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Stop the pool after the listener: no new submissions can arrive,
	// and in-flight exports drain under their own deadlines.
	srv.Stop()
}

// buildStorage selects the artifact backend: S3-compatible when a bucket
// is configured, local disk otherwise.
func buildStorage(logger *slog.Logger) storage.Store {
	if bucket := os.Getenv("LODGEMAP_S3_BUCKET"); bucket != "" {
		slog.Info("using s3 artifact storage", "bucket", bucket)
		return storage.NewS3(storage.S3Config{
			Endpoint:  os.Getenv("LODGEMAP_S3_ENDPOINT"),
			Bucket:    bucket,
			Region:    envDefault("LODGEMAP_S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("LODGEMAP_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("LODGEMAP_S3_SECRET_KEY"),
			Prefix:    os.Getenv("LODGEMAP_S3_PREFIX"),
		})
	}
	dir := envDefault("LODGEMAP_EXPORT_DIR", "exports")
	slog.Info("using local artifact storage", "dir", dir)
	return storage.NewLocal(dir)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment", "key", key, "value", v)
		return fallback
	}
	return d
}
