// Package main wires together the bookwatch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookwatch/internal/api"
	gcsblob "github.com/JakeFAU/bookwatch/internal/blob/gcs"
	localblob "github.com/JakeFAU/bookwatch/internal/blob/local"
	memoryblob "github.com/JakeFAU/bookwatch/internal/blob/memory"
	"github.com/JakeFAU/bookwatch/internal/catalog"
	"github.com/JakeFAU/bookwatch/internal/clock/system"
	"github.com/JakeFAU/bookwatch/internal/config"
	"github.com/JakeFAU/bookwatch/internal/crawl"
	collyfetcher "github.com/JakeFAU/bookwatch/internal/fetcher/colly"
	"github.com/JakeFAU/bookwatch/internal/id/uuid"
	"github.com/JakeFAU/bookwatch/internal/logging"
	"github.com/JakeFAU/bookwatch/internal/metrics"
	memorypublisher "github.com/JakeFAU/bookwatch/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/bookwatch/internal/publisher/pubsub"
	memorystore "github.com/JakeFAU/bookwatch/internal/store/memory"
	postgresstore "github.com/JakeFAU/bookwatch/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Run a single crawl and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		Timeout:       cfg.RequestTimeout(),
		MaxConcurrent: cfg.Crawler.MaxConcurrent,
		MaxRetries:    cfg.HTTP.MaxRetries,
		BackoffBase:   cfg.BackoffBase(),
		BackoffMax:    cfg.BackoffMax(),
		PerHostRPS:    cfg.HTTP.PerHostRPS,
	}, logger.Named("fetcher"))

	runner, err := crawl.NewRunner(crawl.Config{
		BaseURL:             cfg.Crawler.BaseURL,
		Workers:             cfg.Crawler.MaxConcurrent,
		MaxListingPages:     cfg.Crawler.MaxListingPages,
		FailureThreshold:    cfg.Crawler.FailureThreshold,
		SnapshotPrefix:      cfg.Snapshots.Prefix,
		SnapshotContentType: cfg.Snapshots.ContentType,
	}, crawl.Deps{
		Fetcher:   fetcher,
		Store:     store,
		Blobs:     blobs,
		Publisher: publisher,
		Clock:     system.New(),
		IDs:       uuid.NewGenerator(),
		Logger:    logger.Named("crawl"),
	})
	if err != nil {
		logger.Fatal("runner init failed", zap.Error(err))
	}

	if *once {
		summary, err := runner.Run(ctx)
		if err != nil {
			logger.Error("crawl failed", zap.String("run_id", summary.RunID), zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if interval := cfg.CrawlInterval(); interval > 0 {
		go scheduleCrawls(ctx, runner, interval, logger)
	}

	apiServer := api.NewServer(store, runner, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// scheduleCrawls triggers a run immediately and then on every tick. An
// overlapping tick is skipped rather than queued.
func scheduleCrawls(ctx context.Context, runner *crawl.Runner, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := runner.Run(ctx)
		switch {
		case errors.Is(err, catalog.ErrRunInProgress):
			logger.Warn("skipping scheduled crawl, previous run still active")
		case err != nil:
			logger.Error("scheduled crawl failed", zap.String("run_id", summary.RunID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (catalog.Store, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory store; state will not survive restarts")
		return memorystore.New(), func() {}, nil
	}
	pg, err := postgresstore.New(ctx, postgresstore.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (catalog.BlobStore, error) {
	switch cfg.Snapshots.Provider {
	case "", "memory":
		return memoryblob.New(), nil
	case "local":
		return localblob.New(localblob.Config{BaseDir: cfg.Snapshots.BaseDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsblob.New(client, gcsblob.Config{Bucket: cfg.Snapshots.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown snapshot provider %q", cfg.Snapshots.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (catalog.Publisher, error) {
	if !cfg.PubSub.Enabled {
		logger.Info("pubsub disabled, change events stay local")
		return memorypublisher.New(), nil
	}
	client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName)), nil
}
