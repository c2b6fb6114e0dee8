package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/storage"
)

const tmpSuffix = ".tmp"

// Purger removes expired store entries.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (storage.PurgeResult, error)
}

// SweepTempFiles deletes every leftover "*.tmp" file under dir. Transfers cancelled by a
// shutdown leave these behind; no download is running when this is called.
func SweepTempFiles(ctx context.Context, dir string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		removed int
		freed   int64
	)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}

		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete incomplete file", "file", path, "err", err)

			return nil
		}

		removed++
		freed += size

		logger.Info("deleted incomplete file", "file", path, "size", humanize.IBytes(uint64(size)))

		return nil
	})
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		logger.Info("incomplete file sweep finished", "removed", removed, "freed", humanize.IBytes(uint64(freed)))
	}

	return removed, nil
}

// PurgeExpired removes store entries last updated more than retention ago.
func PurgeExpired(ctx context.Context, p Purger, retention time.Duration, now time.Time) (storage.PurgeResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	res, err := p.Purge(ctx, now.Add(-retention))
	if err != nil {
		return res, err
	}

	logger.Info("purged expired records",
		"items", res.Items,
		"descriptors", res.Descriptors,
		"states", res.States,
		"cycles", res.Cycles,
		"retention", retention.String())

	return res, nil
}

// RunPurger purges on every interval until ctx is done.
func RunPurger(ctx context.Context, p Purger, retention, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case now := <-ticker.C:
			if _, err := PurgeExpired(ctx, p, retention, now); err != nil {
				logger.Error("failed to purge expired records", "err", err)
			}
		}
	}
}
