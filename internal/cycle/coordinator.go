package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jeeshofone/ApocaCache/internal/catalog"
	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/downloader"
	"github.com/jeeshofone/ApocaCache/internal/library"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Triggers recorded with each cycle.
const (
	TriggerStartup   = "startup"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// ErrCycleRunning is returned when a cycle is requested while another one is in progress.
var ErrCycleRunning = errors.New("update cycle already running")

// CatalogSource provides the upstream catalog.
type CatalogSource interface {
	Fetch(ctx context.Context) (*catalog.Catalog, error)
	Invalidate() error
}

// Scanner discovers items from the mirror's directory listings.
type Scanner interface {
	Scan(ctx context.Context) ([]*content.Item, error)
}

// Resolver turns items into descriptors, one batch window at a time.
type Resolver interface {
	Batches(items []*content.Item) [][]*content.Item
	ResolveBatch(ctx context.Context, items []*content.Item) []*content.Descriptor
}

// Evaluator decides whether the local copy of an item is stale.
type Evaluator interface {
	NeedsDownload(ctx context.Context, item *content.Item, d *content.Descriptor, state *content.LocalState) bool
}

// Downloader performs transfers.
type Downloader interface {
	DownloadItem(ctx context.Context, task downloader.Task) error
	QueueDownload(task downloader.Task) error
	IsActive(id string) bool
}

// Publisher republishes the local inventory.
type Publisher interface {
	Publish(ctx context.Context) (library.Summary, error)
}

// Deps are the collaborators of a Coordinator. Scanner is optional.
type Deps struct {
	Catalog    CatalogSource
	Scanner    Scanner
	Resolver   Resolver
	Evaluator  Evaluator
	Downloader Downloader
	Publisher  Publisher
	Store      storage.CatalogRepository
	Filter     *catalog.Filter
	Telemetry  *telemetry.Telemetry
}

// Report summarises one cycle.
type Report struct {
	CycleID    string
	Candidates int
	Resolved   int
	Scheduled  int
	Downloaded int
	Failed     int
}

// Coordinator sequences catalog fetch, descriptor resolution, staleness evaluation and
// downloads. At most one cycle runs at a time; a background cycle is owned through a
// cancellable handle that Shutdown joins.
type Coordinator struct {
	deps    Deps
	dataDir string

	running atomic.Bool

	mu   sync.Mutex
	task *handle
}

type handle struct {
	trigger string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCoordinator(deps Deps, dataDir string) *Coordinator {
	return &Coordinator{deps: deps, dataDir: dataDir}
}

// Running reports whether a cycle is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// RunCycle runs one cycle in the caller's goroutine. A failed catalog fetch aborts the cycle;
// failures scoped to one item never do.
func (c *Coordinator) RunCycle(ctx context.Context, trigger string) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer c.running.Store(false)

	report := &Report{CycleID: uuid.NewString()}

	ctx, logger := logctx.With(ctx, "cycle_id", report.CycleID, "trigger", trigger)
	start := time.Now()

	logger.Info("update cycle started")

	err := c.deps.Telemetry.InstrumentCycle(ctx, trigger, func(ctx context.Context) error {
		return c.run(ctx, report)
	})
	if err != nil {
		logger.Error("update cycle failed", "err", err, "duration", time.Since(start))

		if !errors.Is(err, context.Canceled) {
			c.deps.Telemetry.RecordSystemError(ctx, "cycle", "cycle_failed")
		}

		return report, err
	}

	logger.Info("update cycle completed",
		"candidates", report.Candidates,
		"resolved", report.Resolved,
		"scheduled", report.Scheduled,
		"downloaded", report.Downloaded,
		"failed", report.Failed,
		"duration", time.Since(start))

	return report, nil
}

func (c *Coordinator) run(ctx context.Context, report *Report) error {
	logger := logctx.LoggerFromContext(ctx)

	items, err := c.collect(ctx)
	if err != nil {
		return err
	}

	candidates := c.deps.Filter.Candidates(items)
	report.Candidates = len(candidates)

	if err := c.deps.Store.UpsertItems(ctx, candidates); err != nil {
		logger.Error("failed to store catalog items", "err", err)
	}

	stale := c.staleSet(ctx)

	records, err := c.deps.Store.ListItems(ctx)
	if err != nil {
		logger.Error("failed to list stored items", "err", err)
	}

	known := make(map[string]storage.ItemRecord, len(records))
	for _, rec := range records {
		known[rec.Item.ID] = rec
	}

	if err := c.deps.Store.StartCycle(ctx, report.CycleID, len(candidates)); err != nil {
		logger.Error("failed to record cycle start", "err", err)
	}

	var (
		downloaded, failed atomic.Int64
		g                  errgroup.Group
	)

	for _, batch := range c.deps.Resolver.Batches(candidates) {
		if ctx.Err() != nil {
			break
		}

		descriptors := c.resolve(ctx, batch, stale, known, report)

		for _, item := range batch {
			task, ok := c.plan(ctx, item, descriptors[item.ID], known[item.ID].State)
			if !ok {
				continue
			}

			report.Scheduled++

			g.Go(func() error {
				switch err := c.deps.Downloader.DownloadItem(ctx, task); {
				case err == nil:
					downloaded.Add(1)
				case errors.Is(err, downloader.ErrAlreadyActive):
				default:
					failed.Add(1)
				}

				return nil
			})
		}

		if err := c.deps.Store.AdvanceCycle(ctx, report.CycleID, len(batch)); err != nil {
			logger.Error("failed to record cycle progress", "err", err)
		}
	}

	_ = g.Wait()

	report.Downloaded = int(downloaded.Load())
	report.Failed = int(failed.Load())

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.deps.Store.CompleteCycle(ctx, report.CycleID); err != nil {
		logger.Error("failed to record cycle completion", "err", err)
	}

	if _, err := c.deps.Publisher.Publish(ctx); err != nil {
		logger.Error("failed to publish library", "err", err)
	}

	return nil
}

// collect fetches the catalog and merges in scanned items. A scanned item is dropped when a
// catalog entry has the same id or maps to the same file family; catalog entries win.
func (c *Coordinator) collect(ctx context.Context) ([]*content.Item, error) {
	logger := logctx.LoggerFromContext(ctx)

	cat, err := c.deps.Catalog.Fetch(ctx)
	if err != nil {
		c.deps.Telemetry.RecordCatalogFetch(ctx, "catalog", "error")

		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}

	c.deps.Telemetry.RecordCatalogFetch(ctx, "catalog", "success")

	items := cat.Items

	if c.deps.Scanner == nil {
		return items, nil
	}

	scanned, err := c.deps.Scanner.Scan(ctx)
	if err != nil {
		c.deps.Telemetry.RecordCatalogFetch(ctx, "scan", "error")
		logger.Warn("mirror scan failed, continuing with catalog items", "err", err)

		return items, nil
	}

	c.deps.Telemetry.RecordCatalogFetch(ctx, "scan", "success")

	seen := make(map[string]struct{}, len(items))
	families := make(map[string]struct{}, len(items))

	for _, item := range items {
		seen[item.ID] = struct{}{}
		families[content.FamilyKey(item)] = struct{}{}
	}

	var duplicates int

	for _, item := range scanned {
		if _, ok := seen[item.ID]; ok {
			continue
		}

		key := content.FamilyKey(item)
		if _, ok := families[key]; ok {
			duplicates++

			continue
		}

		seen[item.ID] = struct{}{}
		families[key] = struct{}{}
		items = append(items, item)
	}

	if duplicates > 0 {
		logger.Debug("skipped scanned items already in the catalog", "count", duplicates)
	}

	return items, nil
}

// staleSet is the set of ids whose descriptor must be fetched again. When the store cannot
// answer, nil is returned and every item without a stored descriptor is resolved.
func (c *Coordinator) staleSet(ctx context.Context) map[string]struct{} {
	ids, err := c.deps.Store.StaleDescriptorIDs(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to query stale descriptors", "err", err)

		return nil
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}

// resolve returns the descriptors for one batch: freshly resolved ones for items whose
// version changed, stored ones for the rest.
func (c *Coordinator) resolve(
	ctx context.Context,
	batch []*content.Item,
	stale map[string]struct{},
	known map[string]storage.ItemRecord,
	report *Report,
) map[string]*content.Descriptor {
	logger := logctx.LoggerFromContext(ctx)

	out := make(map[string]*content.Descriptor, len(batch))

	var pending []*content.Item

	for _, item := range batch {
		stored := known[item.ID].Descriptor

		_, isStale := stale[item.ID]
		if isStale || stored == nil {
			pending = append(pending, item)

			continue
		}

		out[item.ID] = stored
	}

	if len(pending) == 0 {
		return out
	}

	resolved := c.deps.Resolver.ResolveBatch(ctx, pending)
	report.Resolved += len(resolved)

	if err := c.deps.Store.UpsertDescriptors(ctx, resolved); err != nil {
		logger.Error("failed to store descriptors", "err", err, "count", len(resolved))
	}

	for _, d := range resolved {
		out[d.ItemID] = d
	}

	return out
}

// plan decides whether an item is downloaded this cycle. Items are scheduled when selected
// or already held locally, and only when their local copy is stale.
func (c *Coordinator) plan(ctx context.Context, item *content.Item, d *content.Descriptor, state *content.LocalState) (downloader.Task, bool) {
	if d == nil {
		return downloader.Task{}, false
	}

	if !c.deps.Filter.Selected(item) && !state.Tracked() {
		return downloader.Task{}, false
	}

	if c.deps.Downloader.IsActive(item.ID) {
		return downloader.Task{}, false
	}

	if !c.deps.Evaluator.NeedsDownload(ctx, item, d, state) {
		return downloader.Task{}, false
	}

	return downloader.Task{Item: item, Descriptor: d, Dest: content.DestPath(c.dataDir, item, d)}, true
}

// Trigger starts a cycle in the background. The cycle outlives the caller's context; it is
// stopped only through Shutdown.
func (c *Coordinator) Trigger(ctx context.Context, trigger string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != nil || c.running.Load() {
		return ErrCycleRunning
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{trigger: trigger, cancel: cancel, done: make(chan struct{})}
	c.task = h

	go func() {
		defer close(h.done)
		defer cancel()

		if _, err := c.RunCycle(taskCtx, trigger); err != nil && !errors.Is(err, ErrCycleRunning) {
			logctx.LoggerFromContext(taskCtx).Debug("background cycle ended with error", "err", err)
		}

		c.mu.Lock()
		if c.task == h {
			c.task = nil
		}
		c.mu.Unlock()
	}()

	return nil
}

// Refresh starts an on-demand cycle, optionally dropping the cached catalog first.
func (c *Coordinator) Refresh(ctx context.Context, invalidate bool) error {
	if c.Running() {
		return ErrCycleRunning
	}

	if invalidate {
		if err := c.deps.Catalog.Invalidate(); err != nil {
			return err
		}
	}

	return c.Trigger(ctx, TriggerManual)
}

// Shutdown cancels a background cycle and waits for it to unwind.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	h := c.task
	c.mu.Unlock()

	if h == nil {
		return nil
	}

	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s cycle: %w", h.trigger, ctx.Err())
	}
}
