// Command exportsweep runs one cleanup sweep and exits. It is meant for
// cron and for poking at retention behavior with --dry-run before letting
// the in-server loop act.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/stayware/lodgemap/internal/cleanup"
	"github.com/stayware/lodgemap/internal/database"
	"github.com/stayware/lodgemap/internal/logging"
	"github.com/stayware/lodgemap/internal/storage"
	"github.com/stayware/lodgemap/internal/store"
)

func main() {
	godotenv.Load()

	dbPath := flag.String("db", envDefault("LODGEMAP_DB_PATH", "lodgemap.db"), "path to the job database")
	exportDir := flag.String("dir", envDefault("LODGEMAP_EXPORT_DIR", "exports"), "local artifact directory")
	completed := flag.Duration("completed-retention", 24*time.Hour, "retention for completed artifacts")
	failed := flag.Duration("failed-retention", time.Hour, "retention for failed-job residue")
	dryRun := flag.Bool("dry-run", false, "count candidates without deleting")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall sweep deadline")
	flag.Parse()

	logger := logging.Setup(os.Getenv("LODGEMAP_LOG_LEVEL"), os.Getenv("LODGEMAP_LOG_FORMAT"))

	db, err := database.Open(*dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var artifacts storage.Store
	if bucket := os.Getenv("LODGEMAP_S3_BUCKET"); bucket != "" {
		artifacts = storage.NewS3(storage.S3Config{
			Endpoint:  os.Getenv("LODGEMAP_S3_ENDPOINT"),
			Bucket:    bucket,
			Region:    envDefault("LODGEMAP_S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("LODGEMAP_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("LODGEMAP_S3_SECRET_KEY"),
			Prefix:    os.Getenv("LODGEMAP_S3_PREFIX"),
		})
	} else {
		artifacts = storage.NewLocal(*exportDir)
	}

	sweeper := cleanup.NewSweeper(cleanup.Config{}, store.NewJobStore(db), artifacts, logger.With("component", "cleanup"))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := sweeper.Sweep(ctx, cleanup.Options{
		CompletedRetention: *completed,
		FailedRetention:    *failed,
		DryRun:             *dryRun,
	})
	if err != nil {
		slog.Error("sweep failed", "error", err)
		os.Exit(1)
	}

	json.NewEncoder(os.Stdout).Encode(res)
	if res.Failed > 0 {
		os.Exit(2)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
