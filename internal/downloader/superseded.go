package downloader

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
)

// removeSuperseded deletes other versions of the file just placed at dest. Only files in
// the same directory and of the same family are touched, and in-progress temporary files
// are left to their own download.
func (d *Downloader) removeSuperseded(ctx context.Context, dest string) {
	logger := logctx.LoggerFromContext(ctx)

	dir, name := filepath.Split(dest)

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("failed to list directory for superseded versions", "dir", dir, "err", err)

		return
	}

	for _, e := range entries {
		other := e.Name()
		if e.IsDir() || other == name || strings.HasSuffix(other, tmpSuffix) {
			continue
		}

		if !content.SameFamily(other, name) {
			continue
		}

		path := filepath.Join(dir, other)
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove superseded version", "path", path, "err", err)

			continue
		}

		logger.Info("removed superseded version", "path", path, "replaced_by", name)
	}
}
