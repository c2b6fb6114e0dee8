package downloader

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// idleReader cancels a transfer when the wrapped reader delivers no bytes within timeout.
// The clock starts when the reader is created and restarts on every read that returns data.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})

	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && !ir.fired.Load() {
		ir.timer.Reset(ir.timeout)
	}

	return n, err
}

// stalled reports whether the timeout fired.
func (ir *idleReader) stalled() bool {
	return ir.fired.Load()
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}
