// Package statuscache keeps recently read job views in Redis so
// high-frequency status polling stays off the primary database. The job
// store remains the source of truth; cache trouble only ever means a miss.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stayware/lodgemap/internal/model"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func key(jobID string) string {
	return "job_status:" + jobID
}

// Get returns the cached view of a job, or false on any miss or error.
func (c *Cache) Get(ctx context.Context, jobID string) (*model.ExportJob, bool) {
	data, err := c.client.Get(ctx, key(jobID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("status cache get failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return nil, false
	}
	var job model.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		c.logger.Debug("status cache entry corrupt", slog.String("job_id", jobID), slog.Any("error", err))
		return nil, false
	}
	return &job, true
}

// Set stores a job view, best effort.
func (c *Cache) Set(ctx context.Context, job *model.ExportJob) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(job.ID), data, c.ttl).Err(); err != nil {
		c.logger.Debug("status cache set failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// Invalidate drops a job view after a mutation so the next read sees the
// store.
func (c *Cache) Invalidate(ctx context.Context, jobID string) {
	if err := c.client.Del(ctx, key(jobID)).Err(); err != nil {
		c.logger.Debug("status cache invalidate failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
