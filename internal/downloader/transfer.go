package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/downloader/progress"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
)

const tmpSuffix = ".tmp"

// Download places the file a descriptor describes at dest. It waits for a transfer slot,
// then makes up to RetryAttempts passes over the candidate URLs. A pass ends at the first
// mirror that delivers a verified file; only a pass in which every mirror failed consumes an
// attempt, and attempts are separated by exponential backoff. The slot is held until the
// download settles. On failure no temporary file is left behind.
func (d *Downloader) Download(ctx context.Context, desc *content.Descriptor, dest string) (*Result, error) {
	candidates := desc.Candidates()
	if len(candidates) == 0 {
		return nil, &transfer.ConfigurationError{Path: dest, Reason: "descriptor has no download url"}
	}

	d.waiting.Add(1)
	d.telemetry.RecordQueueDepth(ctx, d.QueueDepth())

	err := d.sem.Acquire(ctx, 1)

	d.waiting.Add(-1)

	if err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	var res *Result

	err = d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		res, err = d.retry(ctx, desc, candidates, dest)

		return err
	})

	return res, err
}

func (d *Downloader) retry(ctx context.Context, desc *content.Descriptor, candidates []string, dest string) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := ensureTargetDir(dest); err != nil {
		return nil, err
	}

	tmp := dest + tmpSuffix
	defer removeIfExists(tmp)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = d.cfg.RetryBaseDelay << 10

	var (
		attempt int
		lastErr error
	)

	res, err := backoff.Retry(ctx, func() (*Result, error) {
		attempt++

		res, err := d.attempt(ctx, desc, candidates, dest, tmp)
		if err == nil {
			d.telemetry.RecordDownloadAttempt(ctx, "success")

			return res, nil
		}

		lastErr = err
		d.telemetry.RecordDownloadAttempt(ctx, "error")

		if ctx.Err() != nil || !transfer.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.RetryAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("download attempt failed, backing off",
				"attempt", attempt, "max_attempts", d.cfg.RetryAttempts, "wait", wait, "err", err)

			if d.cfg.OnRetry != nil {
				d.cfg.OnRetry(err, wait)
			}
		}),
	)
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if lastErr == nil {
		return nil, err
	}

	if !transfer.IsRetryable(lastErr) {
		return nil, lastErr
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)
}

// attempt makes one pass over the candidates and returns the last mirror error when all
// of them failed.
func (d *Downloader) attempt(ctx context.Context, desc *content.Descriptor, candidates []string, dest, tmp string) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for _, url := range candidates {
		res, err := d.fetchMirror(ctx, desc, url, tmp)
		if err == nil {
			if err := place(tmp, dest); err != nil {
				return nil, err
			}

			res.Path = dest
			d.removeSuperseded(ctx, dest)

			logger.Info("download completed", "dest", dest, "size", humanize.IBytes(uint64(res.Size)), "mirror", url)

			return res, nil
		}

		removeIfExists(tmp)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var cfgErr *transfer.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}

		logger.Warn("mirror failed", "mirror", url, "err", err)

		errs = append(errs, err)
	}

	return nil, errors.Join(errs...)
}

// fetchMirror streams one mirror into tmp and verifies the result. A mirror that goes quiet
// for IdleTimeout is abandoned with a retryable ErrStalled.
func (d *Downloader) fetchMirror(ctx context.Context, desc *content.Descriptor, url, tmp string) (*Result, error) {
	mirrorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := transfer.Get(mirrorCtx, d.client, "download", url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body := newIdleReader(resp.Body, d.cfg.IdleTimeout, cancel)
	defer body.stop()

	out, err := os.Create(tmp)
	if err != nil {
		return nil, &transfer.ConfigurationError{Path: tmp, Reason: "cannot create temporary file", Err: err}
	}
	defer out.Close()

	algo, want := desc.Checksum()
	if algo == "" {
		algo = content.AlgoSHA256
	}

	h := content.NewHash(algo)

	total := desc.Size
	if total <= 0 {
		total = resp.ContentLength
	}

	written, err := d.stream(ctx, out, io.TeeReader(body, h), url, total)
	body.stop()
	d.telemetry.RecordDownloadBytes(ctx, written)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if body.stalled() {
			err = fmt.Errorf("%w: no data for %s after %s", ErrStalled, d.cfg.IdleTimeout, humanize.IBytes(uint64(written)))
		}

		return nil, &transfer.NetworkError{Operation: "download", URL: url, Err: err}
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return nil, &transfer.NetworkError{
			Operation: "download", URL: url,
			Err: fmt.Errorf("truncated body: got %d of %d bytes", written, resp.ContentLength),
		}
	}

	actual := hex.EncodeToString(h.Sum(nil))

	if err := verify(desc, written, want, actual); err != nil {
		return nil, err
	}

	if err := out.Sync(); err != nil {
		return nil, &transfer.ConfigurationError{Path: tmp, Reason: "cannot flush temporary file", Err: err}
	}

	return &Result{Size: written, Checksum: content.FormatChecksum(algo, actual), Mirror: url}, nil
}

func (d *Downloader) stream(ctx context.Context, out io.Writer, body io.Reader, url string, total int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("downloading file", "url", url, "file_size", humanize.IBytes(uint64(max(total, 0))))

	pr := progress.NewReader(body, total, d.cfg.ProgressInterval, progressLogger(logger, url))

	return io.CopyBuffer(out, pr, make([]byte, d.cfg.ChunkSize))
}

func progressLogger(logger *slog.Logger, url string) func(read, total int64) {
	return func(read, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"url", url,
				"downloaded", humanize.IBytes(uint64(read)),
				"total", humanize.IBytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))

			return
		}

		logger.Debug("download progress", "url", url, "downloaded", humanize.IBytes(uint64(read)))
	}
}

// verify accepts a file only when its checksum matches, or, without a known checksum,
// when its size matches the declared size.
func verify(desc *content.Descriptor, written int64, want, actual string) error {
	if desc.Size > 0 && written != desc.Size {
		return &transfer.IntegrityError{
			Kind:     "size",
			Expected: fmt.Sprint(desc.Size),
			Actual:   fmt.Sprint(written),
		}
	}

	if want != "" && !strings.EqualFold(want, actual) {
		return &transfer.IntegrityError{Kind: "checksum", Expected: want, Actual: actual}
	}

	return nil
}

func place(tmp, dest string) error {
	if err := os.Rename(tmp, dest); err != nil {
		return &transfer.ConfigurationError{Path: dest, Reason: "cannot move file into place", Err: err}
	}

	return nil
}

func ensureTargetDir(targetPath string) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &transfer.ConfigurationError{Path: dir, Reason: "cannot create target directory", Err: err}
	}

	return nil
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove temporary file", "path", path, "err", err)
	}
}
