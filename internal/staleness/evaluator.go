package staleness

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
)

// Reason explains a staleness decision.
type Reason string

const (
	ReasonMissing  Reason = "missing"
	ReasonSize     Reason = "size_mismatch"
	ReasonVersion  Reason = "version_changed"
	ReasonChecksum Reason = "checksum_changed"
	ReasonCurrent  Reason = "current"
)

// Decision is the outcome of evaluating one item.
type Decision struct {
	Stale  bool
	Reason Reason
	Path   string
}

// Evaluator decides whether an item's local copy must be (re)downloaded. Checks run cheapest
// first: existence, size, version token, recorded checksum. The first failing check decides.
type Evaluator struct {
	dataDir string
	// rehash recomputes the file digest when no comparable checksum was recorded.
	rehash bool
}

func NewEvaluator(dataDir string, rehash bool) *Evaluator {
	return &Evaluator{dataDir: dataDir, rehash: rehash}
}

// NeedsDownload reports whether the item is absent or stale.
func (e *Evaluator) NeedsDownload(ctx context.Context, item *content.Item, d *content.Descriptor, state *content.LocalState) bool {
	return e.Evaluate(ctx, item, d, state).Stale
}

// Evaluate returns the decision together with its reason and the expected path.
func (e *Evaluator) Evaluate(ctx context.Context, item *content.Item, d *content.Descriptor, state *content.LocalState) Decision {
	path := content.DestPath(e.dataDir, item, d)

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logctx.LoggerFromContext(ctx).Warn("failed to stat local file", "item_id", item.ID, "path", path, "err", err)
		}

		return Decision{Stale: true, Reason: ReasonMissing, Path: path}
	}

	if info.IsDir() {
		return Decision{Stale: true, Reason: ReasonMissing, Path: path}
	}

	if d.Size > 0 && info.Size() != d.Size {
		return Decision{Stale: true, Reason: ReasonSize, Path: path}
	}

	if versionChanged(item, path, state) {
		return Decision{Stale: true, Reason: ReasonVersion, Path: path}
	}

	if e.checksumChanged(ctx, d, path, state) {
		return Decision{Stale: true, Reason: ReasonChecksum, Path: path}
	}

	return Decision{Reason: ReasonCurrent, Path: path}
}

func versionChanged(item *content.Item, path string, state *content.LocalState) bool {
	if item.Version == "" {
		return false
	}

	if token := content.VersionToken(filepath.Base(path)); token != "" && token != item.Version {
		return true
	}

	return state.Tracked() && state.Version != "" && state.Version != item.Version
}

func (e *Evaluator) checksumChanged(ctx context.Context, d *content.Descriptor, path string, state *content.LocalState) bool {
	algo, sum := d.Checksum()
	if sum == "" {
		return false
	}

	if state != nil && state.Checksum != "" {
		recAlgo, recSum := content.ParseChecksum(state.Checksum)
		if recAlgo == algo || recAlgo == "" {
			return recSum != sum
		}
	}

	if !e.rehash {
		return false
	}

	actual, err := content.HashFile(path, algo)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to hash local file", "path", path, "err", err)

		return true
	}

	return actual != sum
}
