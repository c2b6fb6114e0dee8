package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/storage"
)

// CatalogWriteRepository implements storage.CatalogWriteRepository on SQLite.
type CatalogWriteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCatalogWriteRepository(db *sql.DB) *CatalogWriteRepository {
	return &CatalogWriteRepository{db: db, now: time.Now}
}

func (r *CatalogWriteRepository) timestamp() string {
	return r.now().UTC().Format(timeLayout)
}

func (r *CatalogWriteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// UpsertItems writes catalog metadata for a batch in one transaction. Every row in the
// batch gets the same updated_at, which is what the retention purge keys on.
func (r *CatalogWriteRepository) UpsertItems(ctx context.Context, items []*content.Item) error {
	if len(items) == 0 {
		return nil
	}

	now := r.timestamp()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO items (id, name, title, description, language, category, creator, publisher, tags,
				declared_size, media_count, article_count, version, descriptor_url, favicon, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				title = excluded.title,
				description = excluded.description,
				language = excluded.language,
				category = excluded.category,
				creator = excluded.creator,
				publisher = excluded.publisher,
				tags = excluded.tags,
				declared_size = excluded.declared_size,
				media_count = excluded.media_count,
				article_count = excluded.article_count,
				version = excluded.version,
				descriptor_url = excluded.descriptor_url,
				favicon = excluded.favicon,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare item upsert: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			if _, err := stmt.ExecContext(ctx,
				it.ID, it.Name, it.Title, it.Description, it.Language, it.Category, it.Creator, it.Publisher,
				strings.Join(it.Tags, ";"), it.Size, it.MediaCount, it.ArticleCount, it.Version,
				it.DescriptorURL, it.Favicon, now,
			); err != nil {
				return fmt.Errorf("upsert item %s: %w", it.ID, err)
			}
		}

		return nil
	})
}

// UpsertDescriptors replaces the stored descriptor of each item wholesale.
func (r *CatalogWriteRepository) UpsertDescriptors(ctx context.Context, descriptors []*content.Descriptor) error {
	if len(descriptors) == 0 {
		return nil
	}

	now := r.timestamp()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO descriptors (item_id, file_name, size, md5, sha1, sha256, mirrors,
				descriptor_url, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare descriptor upsert: %w", err)
		}
		defer stmt.Close()

		for _, d := range descriptors {
			mirrors, err := json.Marshal(d.Mirrors)
			if err != nil {
				return fmt.Errorf("encode mirrors for %s: %w", d.ItemID, err)
			}

			if _, err := stmt.ExecContext(ctx,
				d.ItemID, d.FileName, d.Size,
				d.Checksums[content.AlgoMD5], d.Checksums[content.AlgoSHA1], d.Checksums[content.AlgoSHA256],
				string(mirrors), d.URL, d.Version, now,
			); err != nil {
				return fmt.Errorf("upsert descriptor %s: %w", d.ItemID, err)
			}
		}

		return nil
	})
}

// SaveLocalState replaces the local state row of an item.
func (r *CatalogWriteRepository) SaveLocalState(ctx context.Context, s *content.LocalState) error {
	status := s.Status
	if status == "" {
		status = content.StatusNotDownloaded
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO local_state (item_id, version, size, checksum, path, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ItemID, s.Version, s.Size, s.Checksum, s.Path, string(status), r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("save local state %s: %w", s.ItemID, err)
	}

	return nil
}

// SetStatus updates only the status of an item, creating its row when absent.
func (r *CatalogWriteRepository) SetStatus(ctx context.Context, id string, status content.Status) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO local_state (item_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		id, string(status), r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}

	return nil
}

// ResetInterrupted settles downloads interrupted by a crash. Rows that still point at a
// previously placed file go back to downloaded; the rest become failed.
func (r *CatalogWriteRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE local_state
		SET status = CASE WHEN path <> '' THEN ? ELSE ? END, updated_at = ?
		WHERE status = ?`,
		string(content.StatusDownloaded), string(content.StatusFailed), r.timestamp(), string(content.StatusDownloading),
	)
	if err != nil {
		return 0, fmt.Errorf("reset interrupted downloads: %w", err)
	}

	return res.RowsAffected()
}

// StartCycle records a new cycle.
func (r *CatalogWriteRepository) StartCycle(ctx context.Context, cycleID string, total int) error {
	now := r.timestamp()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cycle_progress (cycle_id, total, processed, complete, started_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)`, cycleID, total, now, now)
	if err != nil {
		return fmt.Errorf("start cycle %s: %w", cycleID, err)
	}

	return nil
}

// AdvanceCycle adds delta processed items to a cycle.
func (r *CatalogWriteRepository) AdvanceCycle(ctx context.Context, cycleID string, delta int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cycle_progress SET processed = MIN(total, processed + ?), updated_at = ? WHERE cycle_id = ?`,
		delta, r.timestamp(), cycleID)
	if err != nil {
		return fmt.Errorf("advance cycle %s: %w", cycleID, err)
	}

	return nil
}

// CompleteCycle marks a cycle complete.
func (r *CatalogWriteRepository) CompleteCycle(ctx context.Context, cycleID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cycle_progress SET processed = total, complete = 1, updated_at = ? WHERE cycle_id = ?`,
		r.timestamp(), cycleID)
	if err != nil {
		return fmt.Errorf("complete cycle %s: %w", cycleID, err)
	}

	return nil
}

// Purge drops rows not refreshed since cutoff. Items whose file is held locally are kept, as
// are their descriptor and state rows, so the store never forgets what is on disk. The most
// recent cycle row is always kept.
func (r *CatalogWriteRepository) Purge(ctx context.Context, cutoff time.Time) (storage.PurgeResult, error) {
	var res storage.PurgeResult

	ts := cutoff.UTC().Format(timeLayout)
	downloaded := string(content.StatusDownloaded)

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			name  string
			query string
			args  []any
			count *int64
		}{
			{
				name: "items",
				query: `DELETE FROM items WHERE updated_at < ?
					AND id NOT IN (SELECT item_id FROM local_state WHERE status = ?)`,
				args:  []any{ts, downloaded},
				count: &res.Items,
			},
			{
				name:  "descriptors",
				query: `DELETE FROM descriptors WHERE item_id NOT IN (SELECT id FROM items)`,
				count: &res.Descriptors,
			},
			{
				name: "local_state",
				query: `DELETE FROM local_state WHERE updated_at < ? AND status <> ?
					AND item_id NOT IN (SELECT id FROM items)`,
				args:  []any{ts, downloaded},
				count: &res.States,
			},
			{
				name: "cycle_progress",
				query: `DELETE FROM cycle_progress WHERE updated_at < ?
					AND id <> (SELECT MAX(id) FROM cycle_progress)`,
				args:  []any{ts},
				count: &res.Cycles,
			},
		}

		for _, step := range steps {
			out, err := tx.ExecContext(ctx, step.query, step.args...)
			if err != nil {
				return fmt.Errorf("purge %s: %w", step.name, err)
			}

			if *step.count, err = out.RowsAffected(); err != nil {
				return fmt.Errorf("purge %s: %w", step.name, err)
			}
		}

		return nil
	})

	return res, err
}
