// Package server builds the scraper's dependencies and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-scraper/internal/api"
	"github.com/JakeFAU/registry-scraper/internal/archive"
	"github.com/JakeFAU/registry-scraper/internal/browser"
	"github.com/JakeFAU/registry-scraper/internal/clock/system"
	"github.com/JakeFAU/registry-scraper/internal/config"
	"github.com/JakeFAU/registry-scraper/internal/id/uuid"
	"github.com/JakeFAU/registry-scraper/internal/logbus"
	"github.com/JakeFAU/registry-scraper/internal/maintenance"
	"github.com/JakeFAU/registry-scraper/internal/metrics"
	"github.com/JakeFAU/registry-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/registry-scraper/internal/publisher"
	memorypublisher "github.com/JakeFAU/registry-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/registry-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/registry-scraper/internal/rows"
	"github.com/JakeFAU/registry-scraper/internal/scrape"
	"github.com/JakeFAU/registry-scraper/internal/sentinel"
	"github.com/JakeFAU/registry-scraper/internal/storage"
	gcsstorage "github.com/JakeFAU/registry-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/registry-scraper/internal/storage/local"
	"github.com/JakeFAU/registry-scraper/internal/store"
	memorystore "github.com/JakeFAU/registry-scraper/internal/store/memory"
	pgstore "github.com/JakeFAU/registry-scraper/internal/store/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	controller *scrape.Controller
	bus        *logbus.Bus

	gcsClient *gcs.Client
	pubsub    *gcppublisher.Publisher
	runStore  *pgstore.RunStore
	ready     map[string]api.ReadyCheck

	// sessions overrides the Chrome factory; tests use it to avoid a browser.
	sessions browser.Factory
}

// Option adjusts Build.
type Option func(*App)

// WithSessionFactory replaces the Chrome session factory.
func WithSessionFactory(f browser.Factory) Option {
	return func(a *App) { a.sessions = f }
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		ready:  map[string]api.ReadyCheck{},
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("output_root", cfg.Output.Root),
		zap.String("capture_format", cfg.Capture.Format),
	)
	metrics.Init()

	app.bus = logbus.New(logbus.Config{
		ObserverBuffer: cfg.LogBus.ObserverBuffer,
		Logger:         logger.Named("logbus"),
	})

	artifacts, err := localstorage.New(localstorage.Config{BaseDir: cfg.Output.Root})
	if err != nil {
		return nil, fmt.Errorf("artifact store init failed: %w", err)
	}
	blobs, err := app.setupStorage(ctx, artifacts)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	runs, err := app.setupRuns(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	pub, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	gate, err := maintenance.New(cfg.Maintenance, nil)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("maintenance gate init failed: %w", err)
	}

	processor, err := rows.NewProcessor(blobs, app.bus, logger.Named("rows"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("row processor init failed: %w", err)
	}

	sessions := app.sessions
	if sessions == nil {
		sessions = browser.NewChromedpFactory(browser.Config{
			Headless:   cfg.Browser.Headless,
			ExecPath:   cfg.Browser.ExecPath,
			UserAgent:  cfg.Browser.UserAgent,
			NavTimeout: cfg.Browser.NavTimeout,
			Settle:     browser.Settle(cfg.Browser.Settle),
			PrintPDF:   cfg.Capture.Format == config.CapturePDF,
		}, logger.Named("browser"))
	}

	pacer := ratelimit.New(ratelimit.Config{RowsPerMinute: cfg.Scrape.MaxRowsPerMinute})
	if cfg.Scrape.MaxRowsPerMinute > 0 {
		logger.Info("row pacing enabled", zap.Int("rows_per_minute", cfg.Scrape.MaxRowsPerMinute))
	}

	app.controller, err = scrape.New(scrape.Config{
		RowXPath:       cfg.Scrape.RowXPath,
		RowWaitTimeout: cfg.Scrape.RowWaitTimeout,
		OutputRoot:     cfg.Output.Root,
		Topic:          cfg.PubSub.TopicName,
	}, scrape.Deps{
		Sessions:  sessions,
		Bus:       app.bus,
		Sentinel:  sentinel.New(cfg.Sentinel.Keywords, sentinel.WithVisibleTextOnly(cfg.Sentinel.VisibleTextOnly)),
		Gate:      gate,
		Folders:   artifacts,
		Processor: processor,
		Runs:      runs,
		Publisher: pub,
		Pacer:     pacer,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    logger.Named("scrape"),
	})
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("controller init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Options{
		Scraper:    app.controller,
		Archiver:   archive.New(artifacts, app.bus, logger.Named("archive")),
		Bus:        app.bus,
		Runs:       runs,
		Ready:      app.ready,
		OutputRoot: cfg.Output.Root,
	}, *cfg, logger.Named("api"))

	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until ctx is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop the job first so its browser is closed and its run is recorded.
	if err := a.controller.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("controller shutdown incomplete", zap.Error(err))
	}
	// Closing the bus ends open streams so Shutdown does not wait on them.
	a.bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases infrastructure clients and flushes the logger.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.runStore != nil {
		a.runStore.Close()
		a.runStore = nil
	}
}

func (a *App) setupStorage(ctx context.Context, artifacts *localstorage.BlobStore) (storage.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		a.logger.Info("using local artifact storage", zap.String("path", artifacts.Root()))
		return artifacts, nil
	}
	var err error
	a.gcsClient, err = gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	mirror, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init failed: %w", err)
	}
	a.logger.Info("mirroring artifacts to GCS",
		zap.String("bucket", a.cfg.Storage.GCSBucket),
		zap.String("prefix", a.cfg.Storage.Prefix),
	)
	blobs, err := storage.NewMirrored(artifacts, a.logger.Named("mirror"), mirror)
	if err != nil {
		return nil, fmt.Errorf("mirrored store init failed: %w", err)
	}
	return blobs, nil
}

func (a *App) setupRuns(ctx context.Context) (store.RunRepository, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, keeping run history in memory")
		return memorystore.NewRunStore(), nil
	}
	var err error
	a.runStore, err = pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.RunsTable,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}
	if err := a.runStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("run store schema: %w", err)
	}
	a.ready["runs"] = a.runStore.Ping
	a.logger.Info("run store initialized", zap.String("table", a.cfg.DB.RunsTable))
	return a.runStore, nil
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsub, err = gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsub, nil
}
