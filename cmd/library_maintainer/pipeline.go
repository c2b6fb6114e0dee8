package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/jeeshofone/ApocaCache/internal/catalog"
	"github.com/jeeshofone/ApocaCache/internal/cleanup"
	"github.com/jeeshofone/ApocaCache/internal/config"
	"github.com/jeeshofone/ApocaCache/internal/cycle"
	"github.com/jeeshofone/ApocaCache/internal/downloader"
	"github.com/jeeshofone/ApocaCache/internal/library"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/metalink"
	"github.com/jeeshofone/ApocaCache/internal/scanner"
	"github.com/jeeshofone/ApocaCache/internal/staleness"
	"github.com/jeeshofone/ApocaCache/internal/storage/sqlite"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
)

const lockFile = ".library-maintainer.lock"

// pipeline owns every long-lived component of one process.
type pipeline struct {
	lock        *flock.Flock
	database    *sql.DB
	tel         *telemetry.Telemetry
	store       *sqlite.InstrumentedCatalogRepository
	client      *http.Client
	fetcher     *catalog.Fetcher
	downloader  *downloader.Downloader
	publisher   *library.Publisher
	coordinator *cycle.Coordinator
}

// openStore claims the data directory and opens the catalog store. Only one process may
// own a data directory at a time.
func openStore(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	p := &pipeline{tel: tel}

	// =========================================================================
	// Claim Data Directory
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		p.Close(ctx)

		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	p.lock = flock.New(filepath.Join(cfg.DataDir, lockFile))

	locked, err := p.lock.TryLock()
	if err != nil {
		p.Close(ctx)

		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}

	if !locked {
		p.lock = nil
		p.Close(ctx)

		return nil, fmt.Errorf("data directory %s is in use by another instance", cfg.DataDir)
	}

	if cfg.CleanupIncomplete {
		if _, err := cleanup.SweepTempFiles(ctx, cfg.DataDir); err != nil {
			logger.Error("failed to sweep incomplete files", "err", err)
		}
	}

	// =========================================================================
	// Start Database
	p.database, err = sqlite.InitDB(ctx, cfg.DatabasePath())
	if err != nil {
		logger.Error("DB error", "err", err)
		p.Close(ctx)

		return nil, err
	}

	p.store = sqlite.NewInstrumentedCatalogRepository(p.database, tel)

	reset, err := p.store.ResetInterrupted(ctx)
	if err != nil {
		p.Close(ctx)

		return nil, fmt.Errorf("failed to reset interrupted downloads: %w", err)
	}

	if reset > 0 {
		logger.Info("settled interrupted downloads", "count", reset)
	}

	p.publisher = library.NewPublisher(p.store, cfg.DataDir, tel)

	return p, nil
}

// openPipeline opens the store and builds the update pipeline on top of it.
func openPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	p, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.client = transfer.NewClient(transfer.ClientConfig{
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		Token:                 cfg.UpstreamToken,
	})

	p.downloader = downloader.NewDownloader(downloader.Config{
		MaxParallel:    cfg.MaxConcurrentDownloads,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		QueueSize:      cfg.QueueSize,
		IdleTimeout:    cfg.TransferIdleTimeout,
	}, p.client, p.store, p.tel)

	p.fetcher = catalog.NewFetcher(p.client, cfg.CatalogURL, cfg.DataDir, cfg.RequestTimeout)

	deps := cycle.Deps{
		Catalog:    p.fetcher,
		Resolver:   metalink.NewResolver(p.client, cfg.DescriptorBatchSize, cfg.RequestTimeout, p.tel),
		Evaluator:  staleness.NewEvaluator(cfg.DataDir, cfg.VerifyDownloads),
		Downloader: p.downloader,
		Publisher:  p.publisher,
		Store:      p.store,
		Filter:     cfg.Filter(),
		Telemetry:  p.tel,
	}

	if cfg.RecursiveScan {
		cache := scanner.NewCache(cfg.ScanCacheSize, cfg.ScanCacheTTL)
		deps.Scanner = scanner.New(p.client, cfg.MirrorBaseURL, cfg.ScanMaxDepth, cfg.RequestTimeout, cache)
	}

	p.coordinator = cycle.NewCoordinator(deps, cfg.DataDir)

	return p, nil
}

// Close releases the database, telemetry and the data directory lock.
func (p *pipeline) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	if p.database != nil {
		errs = append(errs, p.database.Close())
	}

	errs = append(errs, p.tel.Shutdown(ctx))

	if p.lock != nil {
		errs = append(errs, p.lock.Unlock())
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("failed to release resources", "err", err)
	}
}
