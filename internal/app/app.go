package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/handlers"
	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/queue"
	"github.com/ternarybob/accedo/internal/services/browser"
	"github.com/ternarybob/accedo/internal/services/crawler"
	"github.com/ternarybob/accedo/internal/services/engine"
	"github.com/ternarybob/accedo/internal/services/normalizer"
	"github.com/ternarybob/accedo/internal/services/robots"
	"github.com/ternarybob/accedo/internal/services/scanner"
	"github.com/ternarybob/accedo/internal/services/screenshot"
	"github.com/ternarybob/accedo/internal/services/urlguard"
	"github.com/ternarybob/accedo/internal/storage/postgres"
)

// App holds all worker components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Persistence
	DB    *postgres.Store
	Store interfaces.ScanStore

	// Queue stack
	QueueService  *queue.Service
	Progress      interfaces.ProgressPublisher
	CancelWatcher *queue.CancelWatcher

	// Scan pipeline
	Guard       *urlguard.Guard
	Robots      interfaces.RobotsService
	Browser     interfaces.BrowserService
	Crawler     interfaces.CrawlerService
	Analyzer    interfaces.PageAnalyzer
	ScanHandler *scanner.Handler

	// HTTP handlers
	HealthHandler *handlers.HealthHandler
}

// New initializes the worker with all dependencies. Nothing consumes
// jobs until Start is called.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize queue stack
	if err := app.initQueue(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	// Initialize scan services
	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	app.initHandlers()

	logger.Info().
		Str("queue", cfg.Queue.Name).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("Worker initialization complete")

	return app, nil
}

// initDatabase opens the Postgres pool and binds the scan store.
func (a *App) initDatabase() error {
	db, err := postgres.NewStore(a.Config.Database, a.Logger)
	if err != nil {
		return err
	}
	a.DB = db
	a.Store = postgres.NewScanStorage(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "postgres").
		Msg("Storage layer initialized")
	return nil
}

// initQueue builds the asynq stack plus the Redis-backed progress
// publisher and cancellation watcher that share its client.
func (a *App) initQueue() error {
	queueSvc, err := queue.NewService(a.Config.Queue, a.Logger)
	if err != nil {
		return err
	}
	a.QueueService = queueSvc

	a.Progress = queue.NewPublisher(queueSvc.Redis(), a.Store, a.Config.Queue.Name, a.Logger)
	a.CancelWatcher = queue.NewCancelWatcher(queueSvc.Redis(), a.Config.Queue.Name, a.Logger)

	return nil
}

// initServices initializes the scan pipeline in dependency order.
//
// 1. URL guard - pure validation, no dependencies
// 2. Browser pool - shared headless Chrome
// 3. Robots service - cached robots.txt decisions
// 4. Crawler - BFS discovery over guard + robots + browser
// 5. Engine runner + normalizer + screenshots - per-page analysis
// 6. Scan handler - the asynq consumer that drives all of the above
func (a *App) initServices() error {
	a.Guard = urlguard.New(a.Logger)

	browserSvc := browser.NewService(a.Config.Browser, a.Logger)
	a.Browser = browserSvc

	a.Robots = robots.New(a.Logger, a.Config.Crawler.RobotsTimeout)

	fetcher := crawler.NewBrowserFetcher(a.Browser, a.Config.Browser, a.Config.Crawler, a.Logger)
	a.Crawler = crawler.New(a.Guard, a.Robots, fetcher, a.Config.Crawler, a.Logger)
	a.Logger.Debug().Msg("Crawler service initialized")

	runner, err := engine.NewRunner(a.Config.Engine, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load rule engine: %w", err)
	}

	catalog, err := normalizer.NewCatalog(a.Config.Translations, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load rule translations: %w", err)
	}
	norm := normalizer.New(catalog, a.Logger)

	var shots *screenshot.Capturer
	if a.Config.Screenshots.Enabled {
		shots, err = screenshot.New(a.Config.Screenshots, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize screenshot capturer: %w", err)
		}
	}

	a.Analyzer = scanner.NewAnalyzer(a.Browser, runner, norm, shots, scanner.AnalyzerConfig{
		Browser:     a.Config.Browser,
		Crawler:     a.Config.Crawler,
		Screenshots: a.Config.Screenshots,
	}, a.Logger)

	a.ScanHandler = scanner.NewHandler(scanner.Deps{
		Store:    a.Store,
		Crawler:  a.Crawler,
		Analyzer: a.Analyzer,
		Guard:    a.Guard,
		Progress: a.Progress,
		Cancels:  a.CancelWatcher,
		DLQ:      a.QueueService.DLQ(),
	}, a.Config.Queue.Name, a.Logger)

	a.Logger.Debug().Msg("Scan pipeline initialized")
	return nil
}

// initHandlers initializes the HTTP handlers.
func (a *App) initHandlers() {
	a.HealthHandler = handlers.NewHealthHandler(a.Store, a.QueueService, a.Browser, a.Logger)
}

// Start begins consuming scan jobs and watching for cancellations.
func (a *App) Start(ctx context.Context) error {
	if err := a.CancelWatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cancellation watcher: %w", err)
	}
	if err := a.QueueService.Start(a.ScanHandler); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Close releases all worker resources in reverse dependency order.
// Safe to call on a partially initialized app.
func (a *App) Close() error {
	// Stop pulling new jobs and wait for in-flight scans
	if a.QueueService != nil {
		a.QueueService.Shutdown()
	}

	if a.CancelWatcher != nil {
		if err := a.CancelWatcher.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop cancellation watcher")
		}
	}

	if a.Browser != nil {
		if err := a.Browser.Shutdown(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down browser")
		} else {
			a.Logger.Info().Msg("Browser stopped")
		}
	}

	if a.QueueService != nil {
		if err := a.QueueService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue connections")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		a.Logger.Info().Msg("Database closed")
	}

	return nil
}
