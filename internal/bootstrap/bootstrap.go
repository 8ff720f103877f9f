// Package bootstrap provides dependency initialization for the song API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/songqueue/songapi/internal/config"
	"github.com/songqueue/songapi/internal/job"
	"github.com/songqueue/songapi/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service *job.Service

	closers []func() error
	cancel  context.CancelFunc
}

// Close stops background work and releases connections.
func (d *Dependencies) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	ctx, cancel := context.WithCancel(context.Background())
	deps := &Dependencies{cancel: cancel}

	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	// Initialize existence cache
	cache, err := initCache(ctx, cfg, deps, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	// Initialize dispatcher
	dispatcher, err := initDispatcher(cfg, deps, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	deps.Service = job.NewService(
		job.NewMemoryRepository(),
		cache,
		dispatcher,
		store,
		logger,
		job.WithS3Upload(cfg.S3Enabled()),
	)
	// Expired jobs are dropped even if nobody polls them again.
	deps.Service.StartSweeper(ctx, cfg.CacheSweepInterval)
	return deps, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}

// initCache shares job IDs through Redis when configured and otherwise
// keeps them in process memory with a background sweeper.
func initCache(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (job.Cache, error) {
	if cfg.RedisEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		deps.closers = append(deps.closers, rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("redis job cache configured",
			slog.String("addr", opts.Addr),
			slog.Duration("ttl", cfg.JobTTL),
		)
		return job.NewRedisCache(rdb, cfg.JobTTL), nil
	}

	cache := job.NewMemoryCache(job.WithTTL(cfg.JobTTL))
	cache.StartSweeper(ctx, cfg.CacheSweepInterval)
	logger.Info("in-memory job cache configured",
		slog.Duration("ttl", cfg.JobTTL),
		slog.Duration("sweep_interval", cfg.CacheSweepInterval),
	)
	return cache, nil
}

// initDispatcher publishes jobs to the asynq queue when enabled.
func initDispatcher(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (job.Dispatcher, error) {
	if !cfg.QueueEnabled {
		return job.NewLogDispatcher(logger), nil
	}

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL for queue: %w", err)
	}
	client := asynq.NewClient(opt)
	deps.closers = append(deps.closers, client.Close)

	logger.Info("task queue configured",
		slog.String("queue", job.TaskQueue),
		slog.String("task_type", job.TaskTypeProcess),
	)
	return job.NewQueueDispatcher(client, logger), nil
}
