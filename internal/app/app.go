// -----------------------------------------------------------------------
// Composition root - builds every service in dependency order
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/dataset"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/queue"
	"github.com/ternarybob/tablemind/internal/secrets"
	"github.com/ternarybob/tablemind/internal/services/catalog"
	"github.com/ternarybob/tablemind/internal/services/chunker"
	"github.com/ternarybob/tablemind/internal/services/dispatch"
	"github.com/ternarybob/tablemind/internal/services/estimate"
	jobsvc "github.com/ternarybob/tablemind/internal/services/jobs"
	"github.com/ternarybob/tablemind/internal/services/ledger"
	"github.com/ternarybob/tablemind/internal/services/llm"
	"github.com/ternarybob/tablemind/internal/services/processor"
	"github.com/ternarybob/tablemind/internal/services/results"
	"github.com/ternarybob/tablemind/internal/services/scheduler"
	"github.com/ternarybob/tablemind/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	QueueManager   *queue.BadgerManager
	Codec          interfaces.SecretCodec // nil when no secrets key is configured

	Catalog     *catalog.Service
	Providers   *llm.ProviderFactory
	Credentials *llm.CredentialPool
	Estimator   *estimate.Service
	Ledger      *ledger.Service
	Dispatcher  *dispatch.Dispatcher
	Processor   *processor.Service
	Aggregator  *results.Aggregator
	Exporter    *results.Exporter
	Jobs        *jobsvc.Service

	// Worker side, started by StartWorker
	WorkerPool *queue.WorkerPool
	Scheduler  *scheduler.Service
	Reaper     *scheduler.Reaper
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if cfg.Catalog.SeedFile != "" {
		if _, err := app.SeedCatalog(context.Background(), cfg.Catalog.SeedFile); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to seed catalog: %w", err)
		}
	}

	logger.Debug().Msg("Application initialization complete")
	return app, nil
}

// initStorage opens Badger and the queue that shares its database
func (a *App) initStorage() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	store, ok := storageManager.DB().(*badgerhold.Store)
	if !ok {
		return fmt.Errorf("queue requires a badgerhold store, got %T", storageManager.DB())
	}
	a.QueueManager, err = queue.NewBadgerManager(store.Badger(), queue.ConfigFrom(a.Config.Queue), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("queue", a.Config.Queue.QueueName).
		Msg("Storage layer initialized")
	return nil
}

// initServices initializes the business services in dependency order:
// codec -> catalog -> providers and credentials -> estimator -> ledger ->
// dispatcher -> processor -> results -> job facade.
func (a *App) initServices() error {
	if a.Config.Secrets.Key != "" {
		codec, err := secrets.NewCodec(a.Config.Secrets.Key)
		if err != nil {
			return fmt.Errorf("failed to open secrets key: %w", err)
		}
		a.Codec = codec
	} else {
		a.Logger.Warn().Msg("No secrets key configured: API keys cannot be stored or used")
	}

	catalogStorage := a.StorageManager.CatalogStorage()
	jobStorage := a.StorageManager.JobStorage()
	chunkStorage := a.StorageManager.ChunkStorage()

	a.Catalog = catalog.NewService(catalogStorage, a.Codec, a.Logger)
	a.Providers = llm.NewProviderFactory(a.Config, a.Logger)
	a.Credentials = llm.NewCredentialPool(catalogStorage, a.Codec, a.Config.Credentials, a.Logger)

	a.Estimator = estimate.NewService(a.Providers, a.Credentials, a.Config.Estimator, a.Logger)
	a.Ledger = ledger.NewService(jobStorage, chunkStorage, chunker.NewService(chunkStorage, a.Logger), a.Logger)
	a.Dispatcher = dispatch.NewDispatcher(a.QueueManager, jobStorage, a.Logger)
	a.Processor = processor.NewService(jobStorage, chunkStorage, catalogStorage,
		a.Providers, a.Credentials, a.QueueManager, a.Config, a.Logger)

	a.Aggregator = results.NewAggregator(jobStorage, chunkStorage, a.Logger)
	a.Exporter = results.NewExporter(a.Config.Export, a.Logger)

	a.Jobs = jobsvc.NewService(
		a.Catalog,
		dataset.NewLoader(a.Logger),
		a.Estimator,
		a.Ledger,
		a.Dispatcher,
		a.Aggregator,
		a.Exporter,
		a.Config,
		a.Logger,
	)

	a.Reaper = scheduler.NewReaper(jobStorage, chunkStorage, a.Config.Scheduler, a.Logger)
	return nil
}

// SeedCatalog applies a seed file. {NAME} references resolve from the
// process environment first, then from the configured .env file.
func (a *App) SeedCatalog(ctx context.Context, path string) (*catalog.SeedSummary, error) {
	seed, err := catalog.LoadSeedFile(path)
	if err != nil {
		return nil, err
	}
	envFile, err := common.LoadEnvFile(a.Config.Catalog.EnvFile, a.Logger)
	if err != nil {
		return nil, err
	}

	summary, err := a.Catalog.Seed(ctx, seed, common.ChainLookup(common.EnvLookup, common.MapLookup(envFile)))
	if err != nil {
		return nil, err
	}
	a.Logger.Info().
		Str("file", path).
		Int("models", summary.Models).
		Int("keys", summary.Keys).
		Int("skipped", summary.Skipped).
		Msg("Catalog seeded")
	return summary, nil
}

// StartWorker registers the job handler, starts the worker pool and, when
// enabled, the stale job reaper.
func (a *App) StartWorker() error {
	a.WorkerPool = queue.NewWorkerPool(a.QueueManager, queue.ConfigFrom(a.Config.Queue), a.Logger)
	a.WorkerPool.RegisterHandler(queue.TaskProcessJob, a.Processor.Handle)

	if a.Config.Scheduler.Enabled {
		a.Scheduler = scheduler.NewService(a.Logger)
		if err := a.Reaper.Register(a.Scheduler, a.Config.Scheduler.ReaperSchedule); err != nil {
			return fmt.Errorf("failed to register reaper: %w", err)
		}
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.WorkerPool.Start()
	return nil
}

// Close stops the worker side and closes storage
func (a *App) Close() error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	// Handlers still running see a cancelled context and leave their
	// messages for redelivery
	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}
