package catalog

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strconv"
	"strings"

	"github.com/jeeshofone/ApocaCache/internal/content"
)

// Catalog is the parsed upstream master catalog.
type Catalog struct {
	Version string
	Items   []*content.Item
}

type libraryDocument struct {
	XMLName xml.Name      `xml:"library"`
	Version string        `xml:"version,attr"`
	Books   []bookElement `xml:"book"`
}

// bookElement keeps numeric attributes as strings: upstream leaves them empty often enough
// that strict integer decoding would reject whole catalogs.
type bookElement struct {
	ID           string `xml:"id,attr"`
	URL          string `xml:"url,attr"`
	Size         string `xml:"size,attr"`
	MediaCount   string `xml:"mediaCount,attr"`
	ArticleCount string `xml:"articleCount,attr"`
	Title        string `xml:"title,attr"`
	Description  string `xml:"description,attr"`
	Language     string `xml:"language,attr"`
	Creator      string `xml:"creator,attr"`
	Publisher    string `xml:"publisher,attr"`
	Name         string `xml:"name,attr"`
	Tags         string `xml:"tags,attr"`
	Date         string `xml:"date,attr"`
	Favicon      string `xml:"favicon,attr"`
}

// Parse decodes a library document. Books without an id are skipped; a document that is not
// a library at all is an error.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty catalog document")
	}

	var doc libraryDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	cat := &Catalog{Version: doc.Version, Items: make([]*content.Item, 0, len(doc.Books))}

	for _, b := range doc.Books {
		if b.ID == "" {
			continue
		}

		cat.Items = append(cat.Items, b.toItem())
	}

	return cat, nil
}

func (b bookElement) toItem() *content.Item {
	item := &content.Item{
		ID:            b.ID,
		Name:          b.Name,
		Title:         b.Title,
		Description:   b.Description,
		Language:      b.Language,
		Creator:       b.Creator,
		Publisher:     b.Publisher,
		Tags:          splitTags(b.Tags),
		Size:          parseInt(b.Size) * 1024, // catalog sizes are KiB
		MediaCount:    parseInt(b.MediaCount),
		ArticleCount:  parseInt(b.ArticleCount),
		DescriptorURL: b.URL,
		Favicon:       b.Favicon,
	}

	item.Version = content.VersionToken(item.FileName())
	if item.Version == "" {
		item.Version = content.TokenFromDate(b.Date)
	}

	item.Category = content.CategoryFromURL(item.DirectURL())
	if item.Category == "" {
		item.Category = categoryFromTags(item.Tags)
	}

	if item.Name == "" {
		item.Name = content.BaseName(item.FileName())
	}

	return item
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ";")
	tags := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}

	return tags
}

func categoryFromTags(tags []string) string {
	for _, t := range tags {
		if c, ok := strings.CutPrefix(t, "_category:"); ok && c != "" {
			return c
		}
	}

	return "other"
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}

	return n
}
