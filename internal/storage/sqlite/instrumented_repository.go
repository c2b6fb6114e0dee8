package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
)

// InstrumentedCatalogRepository wraps a catalog repository with telemetry.
type InstrumentedCatalogRepository struct {
	repo      storage.CatalogRepository
	telemetry *telemetry.Telemetry
}

var _ storage.CatalogRepository = (*InstrumentedCatalogRepository)(nil)

// NewInstrumentedCatalogRepository creates a new instrumented catalog repository.
func NewInstrumentedCatalogRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedCatalogRepository {
	return &InstrumentedCatalogRepository{
		repo:      NewCatalogRepository(db),
		telemetry: tel,
	}
}

func instrument[T any](ctx context.Context, tel *telemetry.Telemetry, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedCatalogRepository) GetItem(ctx context.Context, id string) (*storage.ItemRecord, error) {
	return instrument(ctx, r.telemetry, "get_item", func(ctx context.Context) (*storage.ItemRecord, error) {
		return r.repo.GetItem(ctx, id)
	})
}

func (r *InstrumentedCatalogRepository) ListItems(ctx context.Context) ([]storage.ItemRecord, error) {
	return instrument(ctx, r.telemetry, "list_items", r.repo.ListItems)
}

func (r *InstrumentedCatalogRepository) StaleDescriptorIDs(ctx context.Context) ([]string, error) {
	return instrument(ctx, r.telemetry, "stale_descriptor_ids", r.repo.StaleDescriptorIDs)
}

func (r *InstrumentedCatalogRepository) GetDescriptors(ctx context.Context, ids []string) (map[string]*content.Descriptor, error) {
	return instrument(ctx, r.telemetry, "get_descriptors", func(ctx context.Context) (map[string]*content.Descriptor, error) {
		return r.repo.GetDescriptors(ctx, ids)
	})
}

func (r *InstrumentedCatalogRepository) GetLocalState(ctx context.Context, id string) (*content.LocalState, error) {
	return instrument(ctx, r.telemetry, "get_local_state", func(ctx context.Context) (*content.LocalState, error) {
		return r.repo.GetLocalState(ctx, id)
	})
}

func (r *InstrumentedCatalogRepository) StatusCounts(ctx context.Context) (map[content.Status]int, error) {
	return instrument(ctx, r.telemetry, "status_counts", r.repo.StatusCounts)
}

func (r *InstrumentedCatalogRepository) LatestCycle(ctx context.Context) (*storage.CycleProgress, error) {
	return instrument(ctx, r.telemetry, "latest_cycle", r.repo.LatestCycle)
}

func (r *InstrumentedCatalogRepository) UpsertItems(ctx context.Context, items []*content.Item) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_items", func(ctx context.Context) error {
		return r.repo.UpsertItems(ctx, items)
	})
}

func (r *InstrumentedCatalogRepository) UpsertDescriptors(ctx context.Context, descriptors []*content.Descriptor) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_descriptors", func(ctx context.Context) error {
		return r.repo.UpsertDescriptors(ctx, descriptors)
	})
}

func (r *InstrumentedCatalogRepository) SaveLocalState(ctx context.Context, state *content.LocalState) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_local_state", func(ctx context.Context) error {
		return r.repo.SaveLocalState(ctx, state)
	})
}

func (r *InstrumentedCatalogRepository) SetStatus(ctx context.Context, id string, status content.Status) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_status", func(ctx context.Context) error {
		return r.repo.SetStatus(ctx, id, status)
	})
}

func (r *InstrumentedCatalogRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	return instrument(ctx, r.telemetry, "reset_interrupted", r.repo.ResetInterrupted)
}

func (r *InstrumentedCatalogRepository) StartCycle(ctx context.Context, cycleID string, total int) error {
	return r.telemetry.InstrumentDBOperation(ctx, "start_cycle", func(ctx context.Context) error {
		return r.repo.StartCycle(ctx, cycleID, total)
	})
}

func (r *InstrumentedCatalogRepository) AdvanceCycle(ctx context.Context, cycleID string, delta int) error {
	return r.telemetry.InstrumentDBOperation(ctx, "advance_cycle", func(ctx context.Context) error {
		return r.repo.AdvanceCycle(ctx, cycleID, delta)
	})
}

func (r *InstrumentedCatalogRepository) CompleteCycle(ctx context.Context, cycleID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_cycle", func(ctx context.Context) error {
		return r.repo.CompleteCycle(ctx, cycleID)
	})
}

func (r *InstrumentedCatalogRepository) Purge(ctx context.Context, cutoff time.Time) (storage.PurgeResult, error) {
	return instrument(ctx, r.telemetry, "purge", func(ctx context.Context) (storage.PurgeResult, error) {
		return r.repo.Purge(ctx, cutoff)
	})
}
