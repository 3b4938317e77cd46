package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/master-forge/internal/config"
	"github.com/yourusername/master-forge/internal/engine"
	"github.com/yourusername/master-forge/internal/jobs"
	"github.com/yourusername/master-forge/internal/storage"
)

// jobsRuntime はジョブ処理に必要な部品をまとめます。
type jobsRuntime struct {
	files   *storage.Local
	manager *jobs.Manager
	close   func() error
}

// setupJobs は設定に従ってストア、エンジン、ディスパッチャー、掃除ループを組み立てます。
func setupJobs(cfg *config.Config, eng engine.Engine, logger *slog.Logger) (*jobsRuntime, error) {
	files, err := storage.NewLocal(cfg.UploadDir, cfg.ProcessedDir)
	if err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	var (
		store   jobs.Store
		closeFn = func() error { return nil }
	)
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse QUEUE_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		store = jobs.NewRedisStore(rdb)
		closeFn = rdb.Close
	default:
		store = jobs.NewMemoryStore()
	}

	worker, err := jobs.NewWorker(store, eng, files, logger.With("component", "worker"))
	if err != nil {
		return nil, errors.Join(err, closeFn())
	}

	var dispatcher jobs.Dispatcher
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		dispatcher, err = jobs.NewAsynqDispatcher(cfg.QueueRedisURL, cfg.WorkerConcurrency, worker.Run, logger)
	default:
		dispatcher, err = jobs.NewPool(worker.Run, cfg.WorkerConcurrency, cfg.WorkerQueueSize, logger.With("component", "pool"))
	}
	if err != nil {
		return nil, errors.Join(err, closeFn())
	}

	reaper, err := jobs.NewReaper(store, files, cfg.CleanupInterval(), cfg.JobRetention(), logger.With("component", "reaper"))
	if err != nil {
		return nil, errors.Join(err, closeFn())
	}

	manager, err := jobs.NewManager(store, dispatcher, reaper, logger)
	if err != nil {
		return nil, errors.Join(err, closeFn())
	}

	return &jobsRuntime{files: files, manager: manager, close: closeFn}, nil
}
