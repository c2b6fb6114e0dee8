package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/storage"
)

const timeLayout = time.RFC3339

// lookupChunk bounds the number of bound parameters per IN query.
const lookupChunk = 500

type CatalogReadRepository struct {
	db *sql.DB
}

func NewCatalogReadRepository(db *sql.DB) *CatalogReadRepository {
	return &CatalogReadRepository{db: db}
}

const itemColumns = `i.id, i.name, i.title, i.description, i.language, i.category, i.creator, i.publisher,
	i.tags, i.declared_size, i.media_count, i.article_count, i.version, i.descriptor_url, i.favicon, i.updated_at`

const descriptorColumns = `d.item_id, d.file_name, d.size, d.md5, d.sha1, d.sha256, d.mirrors, d.descriptor_url,
	d.version, d.updated_at`

const stateColumns = `s.item_id, s.version, s.size, s.checksum, s.path, s.status, s.updated_at`

const recordQuery = `SELECT ` + itemColumns + `, ` + descriptorColumns + `, ` + stateColumns + `
	FROM items i
	LEFT JOIN descriptors d ON d.item_id = i.id
	LEFT JOIN local_state s ON s.item_id = i.id`

type scanner interface {
	Scan(dest ...any) error
}

// GetItem returns the item with its descriptor and local state, or storage.ErrNotFound.
func (r *CatalogReadRepository) GetItem(ctx context.Context, id string) (*storage.ItemRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, recordQuery+` WHERE i.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}

	return rec, nil
}

// ListItems returns every stored item ordered by id.
func (r *CatalogReadRepository) ListItems(ctx context.Context) ([]storage.ItemRecord, error) {
	rows, err := r.db.QueryContext(ctx, recordQuery+` ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var records []storage.ItemRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

// StaleDescriptorIDs lists items never resolved or resolved for another version token.
func (r *CatalogReadRepository) StaleDescriptorIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT i.id FROM items i
		LEFT JOIN descriptors d ON d.item_id = i.id
		WHERE d.item_id IS NULL OR d.version <> i.version
		ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("query stale descriptors: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// GetDescriptors returns the stored descriptors for the given ids; unknown ids are absent.
func (r *CatalogReadRepository) GetDescriptors(ctx context.Context, ids []string) (map[string]*content.Descriptor, error) {
	out := make(map[string]*content.Descriptor, len(ids))

	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		query := `SELECT ` + descriptorColumns + ` FROM descriptors d WHERE d.item_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`

		if err := r.collectDescriptors(ctx, query, args, out); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (r *CatalogReadRepository) collectDescriptors(ctx context.Context, query string, args []any, out map[string]*content.Descriptor) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query descriptors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d                          content.Descriptor
			md5, sha1, sha256, mirrors string
			updatedAt                  string
		)

		if err := rows.Scan(&d.ItemID, &d.FileName, &d.Size, &md5, &sha1, &sha256, &mirrors, &d.URL, &d.Version, &updatedAt); err != nil {
			return fmt.Errorf("scan descriptor: %w", err)
		}

		d.Checksums = checksumMap(md5, sha1, sha256)
		d.Mirrors = decodeMirrors(mirrors)
		d.UpdatedAt = parseTime(updatedAt)
		out[d.ItemID] = &d
	}

	return rows.Err()
}

// GetLocalState returns the local state of an item, or storage.ErrNotFound.
func (r *CatalogReadRepository) GetLocalState(ctx context.Context, id string) (*content.LocalState, error) {
	var (
		s         content.LocalState
		status    string
		updatedAt string
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM local_state s WHERE s.item_id = ?`, id,
	).Scan(&s.ItemID, &s.Version, &s.Size, &s.Checksum, &s.Path, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get local state %s: %w", id, err)
	}

	s.Status = content.Status(status)
	s.UpdatedAt = parseTime(updatedAt)

	return &s, nil
}

// StatusCounts returns the number of local state rows per status.
func (r *CatalogReadRepository) StatusCounts(ctx context.Context) (map[content.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM local_state GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[content.Status]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts[content.Status(status)] = count
	}

	return counts, rows.Err()
}

// LatestCycle returns the most recently started cycle, or storage.ErrNotFound.
func (r *CatalogReadRepository) LatestCycle(ctx context.Context) (*storage.CycleProgress, error) {
	var (
		p                    storage.CycleProgress
		complete             int
		startedAt, updatedAt string
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT cycle_id, total, processed, complete, started_at, updated_at
		FROM cycle_progress ORDER BY id DESC LIMIT 1`,
	).Scan(&p.CycleID, &p.Total, &p.Processed, &complete, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("latest cycle: %w", err)
	}

	p.Complete = complete != 0
	p.StartedAt = parseTime(startedAt)
	p.UpdatedAt = parseTime(updatedAt)

	return &p, nil
}

func scanRecord(row scanner) (*storage.ItemRecord, error) {
	var (
		rec                          storage.ItemRecord
		tags, itemUpdated            string
		dItemID, dFile, dMD5, dSHA1  sql.NullString
		dSHA256, dMirrors, dURL      sql.NullString
		dVersion, dUpdated           sql.NullString
		dSize                        sql.NullInt64
		sItemID, sVersion, sChecksum sql.NullString
		sPath, sStatus, sUpdated     sql.NullString
		sSize                        sql.NullInt64
	)

	it := &rec.Item

	err := row.Scan(
		&it.ID, &it.Name, &it.Title, &it.Description, &it.Language, &it.Category, &it.Creator, &it.Publisher,
		&tags, &it.Size, &it.MediaCount, &it.ArticleCount, &it.Version, &it.DescriptorURL, &it.Favicon, &itemUpdated,
		&dItemID, &dFile, &dSize, &dMD5, &dSHA1, &dSHA256, &dMirrors, &dURL, &dVersion, &dUpdated,
		&sItemID, &sVersion, &sSize, &sChecksum, &sPath, &sStatus, &sUpdated,
	)
	if err != nil {
		return nil, err
	}

	it.Tags = splitTags(tags)
	it.UpdatedAt = parseTime(itemUpdated)

	if dItemID.Valid {
		rec.Descriptor = &content.Descriptor{
			ItemID:    dItemID.String,
			FileName:  dFile.String,
			Size:      dSize.Int64,
			Checksums: checksumMap(dMD5.String, dSHA1.String, dSHA256.String),
			Mirrors:   decodeMirrors(dMirrors.String),
			URL:       dURL.String,
			Version:   dVersion.String,
			UpdatedAt: parseTime(dUpdated.String),
		}
	}

	if sItemID.Valid {
		rec.State = &content.LocalState{
			ItemID:    sItemID.String,
			Version:   sVersion.String,
			Size:      sSize.Int64,
			Checksum:  sChecksum.String,
			Path:      sPath.String,
			Status:    content.Status(sStatus.String),
			UpdatedAt: parseTime(sUpdated.String),
		}
	}

	return &rec, nil
}

func checksumMap(md5, sha1, sha256 string) map[string]string {
	out := make(map[string]string, 3)

	for algo, v := range map[string]string{content.AlgoMD5: md5, content.AlgoSHA1: sha1, content.AlgoSHA256: sha256} {
		if v != "" {
			out[algo] = v
		}
	}

	return out
}

func decodeMirrors(raw string) []string {
	if raw == "" {
		return nil
	}

	var mirrors []string
	if err := json.Unmarshal([]byte(raw), &mirrors); err != nil {
		return nil
	}

	return mirrors
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}

	return strings.Split(raw, ";")
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}

	return t
}
