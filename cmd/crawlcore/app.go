package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/autoscaledpool"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/crawler"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/events"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/logging"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/session"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/snapshotter"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/storage"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/sysstatus"
)

// app bundles every component a crawl run needs. It is built once per
// process by buildApp and threaded explicitly through run/serve-mcp;
// nothing here is a package-level singleton.
type app struct {
	log         zerolog.Logger
	client      *netHTTPClient
	snapshotter *snapshotter.Snapshotter
	status      *sysstatus.SystemStatus
	sessions    *session.Pool
	queue       *queue.RequestQueue
	dataset     storage.Dataset
	kvStore     storage.KeyValueStore
	events      *events.Manager
	pool        *autoscaledpool.Pool
	crawler     *crawler.Crawler
}

// buildApp wires every component named in the config, honoring the
// CRAWLEE_STORAGE_DIR and CRAWLEE_PURGE_ON_START environment variables
// read once here (never re-read by the core itself).
func buildApp(cfg *fileConfig) (*app, error) {
	log := logging.New(os.Stderr, "crawlcore", cfg.Quiet)

	storageDir := os.Getenv("CRAWLEE_STORAGE_DIR")
	purge := os.Getenv("CRAWLEE_PURGE_ON_START") == "true" || os.Getenv("CRAWLEE_PURGE_ON_START") == "1"

	var (
		requestQueueClient queue.RequestQueueClient
		dataset            storage.Dataset
		kvStore            storage.KeyValueStore
	)
	if storageDir == "" {
		requestQueueClient = storage.NewMemoryRequestQueueClient()
		dataset = storage.NewMemoryDataset()
		kvStore = storage.NewMemoryKeyValueStore()
	} else {
		rqDir := filepath.Join(storageDir, "request_queues", "default")
		dsDir := filepath.Join(storageDir, "datasets", "default")
		kvDir := filepath.Join(storageDir, "key_value_stores", "default")

		fileRQ, err := storage.NewFileRequestQueueClient(rqDir)
		if err != nil {
			return nil, fmt.Errorf("build request queue storage: %w", err)
		}
		fileDS, err := storage.NewFileDataset(dsDir)
		if err != nil {
			return nil, fmt.Errorf("build dataset storage: %w", err)
		}
		fileKV, err := storage.NewFileKeyValueStore(kvDir)
		if err != nil {
			return nil, fmt.Errorf("build key-value storage: %w", err)
		}
		if purge {
			ctx := context.Background()
			if err := fileRQ.Drop(ctx); err != nil {
				return nil, fmt.Errorf("purge request queue: %w", err)
			}
			if err := fileDS.Drop(ctx); err != nil {
				return nil, fmt.Errorf("purge dataset: %w", err)
			}
			if err := fileKV.Drop(); err != nil {
				return nil, fmt.Errorf("purge key-value store: %w", err)
			}
		}
		requestQueueClient = fileRQ
		dataset = fileDS
		kvStore = fileKV
	}

	client := newHTTPClient()
	snap := snapshotter.New(snapshotter.Config{}, client, log.With().Str("subcomponent", "snapshotter").Logger())
	status := sysstatus.New(snap, sysstatus.Config{})

	sessionPool := session.NewPool(session.Config{MaxPoolSize: cfg.Sessions.MaxPoolSize}, kvStore, log.With().Str("subcomponent", "sessions").Logger())

	rq := queue.New(requestQueueClient, queue.Config{}, log.With().Str("subcomponent", "queue").Logger())

	evts := events.New()

	handlerTimeout, err := cfg.requestHandlerTimeout()
	if err != nil {
		return nil, fmt.Errorf("parse crawler.request_handler_timeout: %w", err)
	}
	summaryInterval, err := cfg.runSummaryInterval()
	if err != nil {
		return nil, fmt.Errorf("parse crawler.run_summary_interval: %w", err)
	}

	rt := defaultRouter(log, dataset)
	cr := crawler.New(rq, rt, crawler.Config{
		MaxRequestRetries:     cfg.Crawler.MaxRequestRetries,
		MaxSessionRotations:   cfg.Crawler.MaxSessionRotations,
		RequestHandlerTimeout: handlerTimeout,
		RunSummaryInterval:    summaryInterval,
	}, log.With().Str("subcomponent", "crawler").Logger())
	cr.SetSessionPool(sessionPool)
	cr.SetHTTPClient(client)
	cr.SetDataset(dataset)
	cr.SetKeyValueStore(kvStore)
	cr.SetSystemStatus(status)

	pool := autoscaledpool.New(autoscaledpool.Config{
		MinConcurrency:     cfg.Pool.MinConcurrency,
		MaxConcurrency:     cfg.Pool.MaxConcurrency,
		DesiredConcurrency: cfg.Pool.DesiredConcurrency,
		MaxTasksPerMinute:  cfg.Pool.MaxTasksPerMinute,
	}, status, autoscaledpool.Callbacks{
		IsTaskReady: cr.IsTaskReady,
		IsFinished:  cr.IsFinished,
		RunTask:     cr.RunTask,
	}, log.With().Str("subcomponent", "pool").Logger())

	return &app{
		log:         log,
		client:      client,
		snapshotter: snap,
		status:      status,
		sessions:    sessionPool,
		queue:       rq,
		dataset:     dataset,
		kvStore:     kvStore,
		events:      evts,
		pool:        pool,
		crawler:     cr,
	}, nil
}
