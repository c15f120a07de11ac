package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/handlers"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/queue"
	"github.com/ternarybob/vigil/internal/services/batcher"
	"github.com/ternarybob/vigil/internal/services/crawler"
	"github.com/ternarybob/vigil/internal/services/provider"
	"github.com/ternarybob/vigil/internal/services/scheduler"
	"github.com/ternarybob/vigil/internal/services/search"
	"github.com/ternarybob/vigil/internal/services/telegram"
	badgerstore "github.com/ternarybob/vigil/internal/storage/badger"
	"github.com/ternarybob/vigil/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager *badgerstore.Manager
	QueueManager   interfaces.QueueManager

	BatchService     *batcher.Service
	SearchService    *search.Service
	CrawlerService   *crawler.Service
	TelegramIngestor *telegram.Ingestor
	SchedulerService *scheduler.Service
	WorkerPool       *workers.Pool

	BatchHandler  *handlers.BatchHandler
	SearchHandler *handlers.SearchHandler
	StatusHandler *handlers.StatusHandler
}

// New wires the application together: storage, queue, services, workers and
// handlers. Nothing starts running until Start is called.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	storageManager, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	queueManager, err := queue.NewManager(
		storageManager.DB().Store().Badger(),
		common.ParseDurationOr(config.Queue.VisibilityTimeout, 0),
		config.Queue.MaxReceive,
	)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	batchProvider, err := provider.NewGeminiProvider(ctx, &config.Batch, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize batch provider: %w", err)
	}

	batchService, err := batcher.NewService(&config.Batch, storageManager, batchProvider, queueManager, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize batch service: %w", err)
	}

	searchService := search.NewService(&config.Search, storageManager.ItemStorage(), queueManager, logger)
	crawlerService := crawler.NewService(&config.Crawler, storageManager.ItemStorage(), logger)
	telegramIngestor := telegram.NewIngestor(&config.Telegram, logger)
	schedulerService := scheduler.NewService(&config.Batch, batchService, logger)

	pool := workers.NewPool(queueManager, common.ParseDurationOr(config.Queue.PollInterval, 0), logger)
	pool.Register(models.QueueSearch, workers.SearchHandler(searchService, logger))
	pool.Register(models.QueueCrawl, workers.CrawlHandler(crawlerService, queueManager, logger))
	pool.Register(models.QueueAnalyze, workers.AnalyzeHandler(batchService, logger))
	pool.Register(models.QueuePoll, workers.TickHandler(schedulerService))
	pool.Register(models.QueueTelegram, workers.TelegramHandler(telegramIngestor, storageManager.ItemStorage(), logger))

	app := &App{
		Config:           config,
		Logger:           logger,
		StorageManager:   storageManager,
		QueueManager:     queueManager,
		BatchService:     batchService,
		SearchService:    searchService,
		CrawlerService:   crawlerService,
		TelegramIngestor: telegramIngestor,
		SchedulerService: schedulerService,
		WorkerPool:       pool,
		BatchHandler:     handlers.NewBatchHandler(batchService, logger),
		SearchHandler:    handlers.NewSearchHandler(queueManager, logger),
		StatusHandler:    handlers.NewStatusHandler(batchService, logger),
	}
	return app, nil
}

// Start launches the worker pool and the batch scheduler.
func (a *App) Start() error {
	a.WorkerPool.Start()
	if err := a.SchedulerService.Start(); err != nil {
		return err
	}
	a.Logger.Info().Msg("Application started")
	return nil
}

// Shutdown stops the moving parts in dependency order and closes storage.
func (a *App) Shutdown() {
	if err := a.SchedulerService.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
	}
	a.WorkerPool.Stop()

	if err := a.QueueManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
	a.Logger.Info().Msg("Application stopped")
}
