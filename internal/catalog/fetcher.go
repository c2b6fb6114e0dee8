package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
)

const cacheFileName = "catalog_cache.xml"

// Fetcher retrieves the upstream catalog, keeping a verbatim copy on disk. The cached copy
// has no expiry: once present it is used until it is invalidated.
type Fetcher struct {
	client    *http.Client
	url       string
	cachePath string
	timeout   time.Duration
}

// NewFetcher creates a catalog fetcher caching under dataDir.
func NewFetcher(client *http.Client, url, dataDir string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:    client,
		url:       url,
		cachePath: filepath.Join(dataDir, cacheFileName),
		timeout:   timeout,
	}
}

// CachePath is the location of the raw catalog cache.
func (f *Fetcher) CachePath() string {
	return f.cachePath
}

// Fetch returns the parsed catalog, from the cache when present, otherwise from upstream.
// Parse failures are fatal: a partial catalog is never returned.
func (f *Fetcher) Fetch(ctx context.Context) (*Catalog, error) {
	logger := logctx.LoggerFromContext(ctx).With("catalog_url", f.url)

	data, err := os.ReadFile(f.cachePath)
	switch {
	case err == nil:
		logger.Debug("using cached catalog", "path", f.cachePath)

		cat, perr := Parse(data)
		if perr != nil {
			// Drop it so the next cycle goes upstream.
			if rmErr := os.Remove(f.cachePath); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Error("failed to remove corrupt catalog cache", "path", f.cachePath, "err", rmErr)
			}

			return nil, &transfer.ParseError{Document: "catalog", Source: f.cachePath, Err: perr}
		}

		return cat, nil
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("failed to read catalog cache, fetching upstream", "path", f.cachePath, "err", err)
	}

	data, err = transfer.Fetch(ctx, f.client, "fetch_catalog", f.url, f.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}

	if err := f.writeCache(data); err != nil {
		logger.Error("failed to write catalog cache", "path", f.cachePath, "err", err)
	}

	cat, err := Parse(data)
	if err != nil {
		return nil, &transfer.ParseError{Document: "catalog", Source: f.url, Err: err}
	}

	logger.Info("fetched catalog", "items", len(cat.Items))

	return cat, nil
}

// Invalidate drops the cached copy so the next Fetch goes upstream.
func (f *Fetcher) Invalidate() error {
	if err := os.Remove(f.cachePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove catalog cache: %w", err)
	}

	return nil
}

func (f *Fetcher) writeCache(data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(f.cachePath), 0o755); err != nil {
		return err
	}

	tmp := f.cachePath + ".tmp"

	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, f.cachePath)
}
