package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
)

// ErrNotFound is returned by point lookups for unknown item ids.
var ErrNotFound = errors.New("not found")

// ItemRecord joins everything the store knows about one item. Descriptor and State are nil
// until the item has been resolved and evaluated.
type ItemRecord struct {
	Item       content.Item
	Descriptor *content.Descriptor
	State      *content.LocalState
}

// CycleProgress is the observable progress of one update cycle.
type CycleProgress struct {
	CycleID   string
	Total     int
	Processed int
	Complete  bool
	StartedAt time.Time
	UpdatedAt time.Time
}

// PurgeResult counts rows removed by a retention purge.
type PurgeResult struct {
	Items       int64
	Descriptors int64
	States      int64
	Cycles      int64
}

// CatalogReadRepository answers lookups against the catalog store.
type CatalogReadRepository interface {
	GetItem(ctx context.Context, id string) (*ItemRecord, error)
	ListItems(ctx context.Context) ([]ItemRecord, error)
	// StaleDescriptorIDs returns ids whose stored descriptor is missing or was resolved for
	// a different version token than the item now carries.
	StaleDescriptorIDs(ctx context.Context) ([]string, error)
	GetDescriptors(ctx context.Context, ids []string) (map[string]*content.Descriptor, error)
	GetLocalState(ctx context.Context, id string) (*content.LocalState, error)
	StatusCounts(ctx context.Context) (map[content.Status]int, error)
	LatestCycle(ctx context.Context) (*CycleProgress, error)
}

// CatalogWriteRepository mutates the catalog store. Batch methods use one transaction per call.
type CatalogWriteRepository interface {
	UpsertItems(ctx context.Context, items []*content.Item) error
	UpsertDescriptors(ctx context.Context, descriptors []*content.Descriptor) error
	SaveLocalState(ctx context.Context, state *content.LocalState) error
	SetStatus(ctx context.Context, id string, status content.Status) error
	// ResetInterrupted settles rows left in the downloading state by a crash.
	ResetInterrupted(ctx context.Context) (int64, error)
	StartCycle(ctx context.Context, cycleID string, total int) error
	AdvanceCycle(ctx context.Context, cycleID string, delta int) error
	CompleteCycle(ctx context.Context, cycleID string) error
	Purge(ctx context.Context, cutoff time.Time) (PurgeResult, error)
}

// CatalogRepository is the full store contract.
type CatalogRepository interface {
	CatalogReadRepository
	CatalogWriteRepository
}
