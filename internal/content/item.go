package content

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// Item is one entry of the upstream catalog. It is replaced wholesale whenever the
// catalog changes.
type Item struct {
	ID            string
	Name          string
	Title         string
	Description   string
	Language      string
	Category      string
	Creator       string
	Publisher     string
	Tags          []string
	Size          int64 // declared size in bytes; a resolved descriptor is authoritative over it
	MediaCount    int64
	ArticleCount  int64
	Version       string // year-month token, e.g. 2024-05
	DescriptorURL string
	Favicon       string
	UpdatedAt     time.Time
}

// DirectURL is the file URL the descriptor describes, used when a descriptor lists no mirrors.
func (i *Item) DirectURL() string {
	return strings.TrimSuffix(i.DescriptorURL, DescriptorSuffix)
}

// FileName returns the file name the descriptor URL points at.
func (i *Item) FileName() string {
	if i.DescriptorURL == "" {
		return ""
	}

	u, err := url.Parse(i.DirectURL())
	if err != nil {
		return path.Base(i.DirectURL())
	}

	return path.Base(u.Path)
}

// CategoryFromURL derives the category from the parent directory of a content URL
// (".../zim/wikipedia/wikipedia_en_all_maxi_2024-01.zim" yields "wikipedia").
func CategoryFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	dir := path.Dir(u.Path)
	if dir == "/" || dir == "." {
		return ""
	}

	return path.Base(dir)
}
