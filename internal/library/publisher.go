package library

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
)

const (
	// FileName is the inventory document the content server loads.
	FileName = "library.xml"

	libraryVersion = "20110515"
)

// Lister is the part of the catalog store the publisher reads.
type Lister interface {
	ListItems(ctx context.Context) ([]storage.ItemRecord, error)
}

type libraryDocument struct {
	XMLName xml.Name      `xml:"library"`
	Version string        `xml:"version,attr"`
	Books   []bookElement `xml:"book"`
}

type bookElement struct {
	ID           string `xml:"id,attr"`
	Path         string `xml:"path,attr"`
	Size         int64  `xml:"size,attr"` // KiB
	Title        string `xml:"title,attr,omitempty"`
	Description  string `xml:"description,attr,omitempty"`
	Language     string `xml:"language,attr,omitempty"`
	Creator      string `xml:"creator,attr,omitempty"`
	Publisher    string `xml:"publisher,attr,omitempty"`
	Name         string `xml:"name,attr,omitempty"`
	Tags         string `xml:"tags,attr,omitempty"`
	Date         string `xml:"date,attr,omitempty"`
	Favicon      string `xml:"favicon,attr,omitempty"`
	MediaCount   int64  `xml:"mediaCount,attr,omitempty"`
	ArticleCount int64  `xml:"articleCount,attr,omitempty"`
	URL          string `xml:"url,attr,omitempty"`
}

// Summary describes a published inventory.
type Summary struct {
	Books int
	Bytes int64
}

// Publisher regenerates the inventory of locally held items.
type Publisher struct {
	store     Lister
	dataDir   string
	telemetry *telemetry.Telemetry

	mu sync.Mutex
}

func NewPublisher(store Lister, dataDir string, tel *telemetry.Telemetry) *Publisher {
	return &Publisher{store: store, dataDir: dataDir, telemetry: tel}
}

// Path is where the inventory is written.
func (p *Publisher) Path() string {
	return filepath.Join(p.dataDir, FileName)
}

// Publish writes one book per downloaded item whose file is still on disk. The document is
// written next to its final location and renamed into place.
func (p *Publisher) Publish(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	records, err := p.store.ListItems(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list items: %w", err)
	}

	doc := libraryDocument{Version: libraryVersion}

	var total int64

	for _, rec := range records {
		if rec.State == nil || rec.State.Status != content.StatusDownloaded || rec.State.Path == "" {
			continue
		}

		info, err := os.Stat(rec.State.Path)
		if err != nil || info.IsDir() {
			logger.Warn("downloaded file missing, leaving it out of the library", "item_id", rec.Item.ID, "path", rec.State.Path)

			continue
		}

		doc.Books = append(doc.Books, p.book(&rec.Item, rec.State.Path, info.Size()))
		total += info.Size()
	}

	if err := p.write(doc); err != nil {
		return Summary{}, err
	}

	p.telemetry.RecordLibrarySize(ctx, total)

	logger.Info("published library", "path", p.Path(), "books", len(doc.Books), "size", humanize.IBytes(uint64(total)))

	return Summary{Books: len(doc.Books), Bytes: total}, nil
}

func (p *Publisher) book(item *content.Item, path string, size int64) bookElement {
	rel, err := filepath.Rel(p.dataDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = path
	}

	return bookElement{
		ID:           item.ID,
		Path:         filepath.ToSlash(rel),
		Size:         (size + 1023) / 1024,
		Title:        item.Title,
		Description:  item.Description,
		Language:     item.Language,
		Creator:      item.Creator,
		Publisher:    item.Publisher,
		Name:         item.Name,
		Tags:         strings.Join(item.Tags, ";"),
		Date:         bookDate(item),
		Favicon:      item.Favicon,
		MediaCount:   item.MediaCount,
		ArticleCount: item.ArticleCount,
		URL:          item.DescriptorURL,
	}
}

func bookDate(item *content.Item) string {
	if item.Version != "" {
		return item.Version + "-01"
	}

	if !item.UpdatedAt.IsZero() {
		return item.UpdatedAt.UTC().Format("2006-01-02")
	}

	return ""
}

func (p *Publisher) write(doc libraryDocument) (err error) {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode library: %w", err)
	}

	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp := p.Path() + ".tmp"

	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := os.WriteFile(tmp, append([]byte(xml.Header), append(data, '\n')...), 0o644); err != nil {
		return fmt.Errorf("failed to write library: %w", err)
	}

	if err := os.Rename(tmp, p.Path()); err != nil {
		return fmt.Errorf("failed to move library into place: %w", err)
	}

	return nil
}
