package sqlite

import (
	"database/sql"
	"time"
)

// CatalogRepository is the SQLite catalog store: reads and writes over one handle.
type CatalogRepository struct {
	*CatalogReadRepository
	*CatalogWriteRepository
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{
		CatalogReadRepository:  NewCatalogReadRepository(db),
		CatalogWriteRepository: NewCatalogWriteRepository(db),
	}
}

// WithClock replaces the time source used for row timestamps.
func (r *CatalogRepository) WithClock(now func() time.Time) *CatalogRepository {
	r.now = now

	return r
}
