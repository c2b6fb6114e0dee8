package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

const (
	dirPerm = 0755

	defaultChunkSize        = 1 << 20
	defaultProgressInterval = 100 << 20
	defaultQueueSize        = 256
	defaultIdleTimeout      = time.Minute
	eventBuffer             = 64
)

var (
	// ErrAlreadyActive is returned when an item, or another item with the same destination
	// file, is already queued or downloading.
	ErrAlreadyActive = errors.New("download already active for item")
	// ErrQueueFull is returned when the on-demand queue cannot take more work.
	ErrQueueFull = errors.New("download queue is full")
	// ErrStopped is returned once the queue worker has shut down.
	ErrStopped = errors.New("downloader stopped")
	// ErrExhausted wraps the last failure after every retry attempt failed on every mirror.
	ErrExhausted = errors.New("download attempts exhausted")
	// ErrStalled is reported when a mirror stops sending data for longer than IdleTimeout.
	ErrStalled = errors.New("transfer stalled")
)

// StateStore persists local download state.
type StateStore interface {
	GetLocalState(ctx context.Context, id string) (*content.LocalState, error)
	SaveLocalState(ctx context.Context, state *content.LocalState) error
	SetStatus(ctx context.Context, id string, status content.Status) error
}

// Config tunes the orchestrator.
type Config struct {
	MaxParallel    int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// ChunkSize is the copy buffer size used while streaming to disk.
	ChunkSize int
	// ProgressInterval is the number of bytes between progress log records.
	ProgressInterval int64
	QueueSize        int
	// IdleTimeout aborts a mirror that sends no body bytes for this long.
	IdleTimeout time.Duration
	// OnRetry, when set, is called before each backoff wait.
	OnRetry func(err error, wait time.Duration)
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 2
	}

	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}

	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}

	return c
}

// Task is one item to bring up to date.
type Task struct {
	Item       *content.Item
	Descriptor *content.Descriptor
	Dest       string
}

// Result describes a verified, placed file.
type Result struct {
	Path     string
	Size     int64
	Checksum string // "<algo>:<hex>"
	Mirror   string
}

// EventKind distinguishes download events.
type EventKind string

const (
	EventFinished EventKind = "finished"
	EventFailed   EventKind = "failed"
)

// Event reports the outcome of one item download.
type Event struct {
	Kind     EventKind
	ItemID   string
	Title    string
	Path     string
	Size     int64
	Duration time.Duration
	Err      error
}

// Downloader transfers content files. A single weighted semaphore bounds concurrent
// transfers across every caller, scheduled cycles and on-demand requests alike.
type Downloader struct {
	cfg       Config
	client    *http.Client
	store     StateStore
	telemetry *telemetry.Telemetry
	sem       *semaphore.Weighted

	queue   chan Task
	events  chan Event
	stopped atomic.Bool

	mu     sync.Mutex
	active map[string]struct{}
	dests  map[string]string // destination path -> owning item id

	waiting  atomic.Int64
	inFlight atomic.Int64
}

func NewDownloader(cfg Config, client *http.Client, store StateStore, tel *telemetry.Telemetry) *Downloader {
	cfg = cfg.withDefaults()

	return &Downloader{
		cfg:       cfg,
		client:    client,
		store:     store,
		telemetry: tel,
		sem:       semaphore.NewWeighted(int64(cfg.MaxParallel)),
		queue:     make(chan Task, cfg.QueueSize),
		events:    make(chan Event, eventBuffer),
		active:    make(map[string]struct{}),
		dests:     make(map[string]string),
	}
}

// Events delivers download outcomes. Events are dropped when the buffer is full.
func (d *Downloader) Events() <-chan Event {
	return d.events
}

// QueueDepth is the number of accepted downloads not yet holding a transfer slot.
func (d *Downloader) QueueDepth() int {
	return len(d.queue) + int(d.waiting.Load())
}

// InFlight is the number of transfers currently holding a slot.
func (d *Downloader) InFlight() int {
	return int(d.inFlight.Load())
}

// IsActive reports whether an item is queued or downloading.
func (d *Downloader) IsActive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.active[id]

	return ok
}

// claim reserves both the item and its destination file. Two tasks writing the same
// path share one temporary file, so a task whose destination is already claimed under
// another id is rejected as well.
func (d *Downloader) claim(task Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[task.Item.ID]; ok {
		return false
	}

	if _, ok := d.dests[task.Dest]; ok {
		return false
	}

	d.active[task.Item.ID] = struct{}{}
	d.dests[task.Dest] = task.Item.ID

	return true
}

func (d *Downloader) release(task Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.active, task.Item.ID)

	if d.dests[task.Dest] == task.Item.ID {
		delete(d.dests, task.Dest)
	}
}

// QueueDownload hands a task to the background worker started by Run.
func (d *Downloader) QueueDownload(task Task) error {
	if d.stopped.Load() {
		return ErrStopped
	}

	if !d.claim(task) {
		return ErrAlreadyActive
	}

	select {
	case d.queue <- task:
		return nil
	default:
		d.release(task)

		return ErrQueueFull
	}
}

// Run drains the on-demand queue until ctx is done, then waits for every download it
// started to settle before returning.
func (d *Downloader) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("download worker started", "max_parallel", d.cfg.MaxParallel)

	var wg sync.WaitGroup

	defer func() {
		d.stopped.Store(true)
		wg.Wait()

		for {
			select {
			case task := <-d.queue:
				d.release(task)
			default:
				logger.Info("download worker stopped")

				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			wg.Add(1)

			go func() {
				defer wg.Done()

				_ = d.download(ctx, task)
			}()
		}
	}
}

// DownloadItem brings one item up to date and records the outcome in the state store. It
// blocks until the download settles.
func (d *Downloader) DownloadItem(ctx context.Context, task Task) error {
	if !d.claim(task) {
		return ErrAlreadyActive
	}

	return d.download(ctx, task)
}

// download runs a claimed task.
func (d *Downloader) download(ctx context.Context, task Task) error {
	defer d.release(task)

	ctx, logger := logctx.With(ctx, "item_id", task.Item.ID)
	start := time.Now()

	prev, err := d.store.GetLocalState(ctx, task.Item.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read local state: %w", err)
	}

	if err := d.store.SetStatus(ctx, task.Item.ID, content.StatusDownloading); err != nil {
		return fmt.Errorf("failed to mark download started: %w", err)
	}

	res, err := d.Download(ctx, task.Descriptor, task.Dest)
	if err != nil {
		logger.Error("download failed", "dest", task.Dest, "err", err)

		if restoreErr := d.restore(context.WithoutCancel(ctx), task.Item.ID, prev); restoreErr != nil {
			logger.Error("failed to restore local state", "err", restoreErr)
		}

		d.emit(Event{Kind: EventFailed, ItemID: task.Item.ID, Title: title(task.Item), Duration: time.Since(start), Err: err})

		return err
	}

	state := &content.LocalState{
		ItemID:   task.Item.ID,
		Version:  task.Item.Version,
		Size:     res.Size,
		Checksum: res.Checksum,
		Path:     res.Path,
		Status:   content.StatusDownloaded,
	}

	if err := d.store.SaveLocalState(context.WithoutCancel(ctx), state); err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}

	d.emit(Event{
		Kind: EventFinished, ItemID: task.Item.ID, Title: title(task.Item),
		Path: res.Path, Size: res.Size, Duration: time.Since(start),
	})

	return nil
}

// restore puts back the state held before the attempt. Items never held locally are
// recorded as failed.
func (d *Downloader) restore(ctx context.Context, id string, prev *content.LocalState) error {
	if prev == nil {
		return d.store.SetStatus(ctx, id, content.StatusFailed)
	}

	return d.store.SaveLocalState(ctx, prev)
}

func (d *Downloader) emit(e Event) {
	select {
	case d.events <- e:
	default:
	}
}

func title(item *content.Item) string {
	if item.Title != "" {
		return item.Title
	}

	return item.Name
}
