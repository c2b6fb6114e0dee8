package scanner

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
)

const contentExt = ".zim"

// Cache holds parsed listings keyed by directory URL.
type Cache = expirable.LRU[string, []Entry]

// NewCache creates a listing cache bounded by size and ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	return expirable.NewLRU[string, []Entry](size, nil, ttl)
}

// Scanner walks a mirror's directory listings and turns content files into catalog items.
type Scanner struct {
	client   *http.Client
	baseURL  string
	maxDepth int
	timeout  time.Duration
	cache    *Cache
}

// New creates a scanner rooted at baseURL. The cache may be nil, in which case every
// listing is fetched.
func New(client *http.Client, baseURL string, maxDepth int, timeout time.Duration, cache *Cache) *Scanner {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &Scanner{
		client:   client,
		baseURL:  baseURL,
		maxDepth: maxDepth,
		timeout:  timeout,
		cache:    cache,
	}
}

type job struct {
	url   string
	path  string
	depth int
}

// Scan walks the listing tree breadth first up to the configured depth. A failing root
// listing fails the scan; failing subdirectories are logged and skipped. Only the newest
// version of each base name is returned.
func (s *Scanner) Scan(ctx context.Context) ([]*content.Item, error) {
	logger := logctx.LoggerFromContext(ctx).With("base_url", s.baseURL)

	queue := []job{{url: s.baseURL}}
	visited := map[string]struct{}{s.baseURL: {}}
	newest := make(map[string]*content.Item)

	var order []string

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		j := queue[0]
		queue = queue[1:]

		entries, err := s.listing(ctx, j.url)
		if err != nil {
			if j.depth == 0 {
				return nil, err
			}

			logger.Warn("skipping unreadable listing", "url", j.url, "err", err)

			continue
		}

		for _, e := range entries {
			if e.Dir {
				next := e.URL
				if !strings.HasSuffix(next, "/") {
					next += "/"
				}

				if _, seen := visited[next]; seen || j.depth+1 > s.maxDepth {
					continue
				}

				visited[next] = struct{}{}
				queue = append(queue, job{url: next, path: path.Join(j.path, e.Name), depth: j.depth + 1})

				continue
			}

			if !strings.HasSuffix(e.Name, contentExt) {
				continue
			}

			item := itemFromEntry(j.path, e)

			prev, ok := newest[item.ID]
			if !ok {
				order = append(order, item.ID)
			}

			if !ok || item.Version > prev.Version {
				newest[item.ID] = item
			}
		}
	}

	items := make([]*content.Item, 0, len(order))
	for _, id := range order {
		items = append(items, newest[id])
	}

	logger.Info("mirror scan completed", "items", len(items), "directories", len(visited))

	return items, nil
}

func (s *Scanner) listing(ctx context.Context, dir string) ([]Entry, error) {
	if s.cache != nil {
		if entries, ok := s.cache.Get(dir); ok {
			return entries, nil
		}
	}

	page, err := url.Parse(dir)
	if err != nil {
		return nil, &transfer.ConfigurationError{Path: dir, Reason: "invalid listing url", Err: err}
	}

	body, err := transfer.Fetch(ctx, s.client, "fetch_listing", dir, s.timeout)
	if err != nil {
		return nil, err
	}

	entries, err := ParseListing(page, bytes.NewReader(body))
	if err != nil {
		return nil, &transfer.ParseError{Document: "listing", Source: dir, Err: err}
	}

	if s.cache != nil {
		s.cache.Add(dir, entries)
	}

	return entries, nil
}

func itemFromEntry(dir string, e Entry) *content.Item {
	base := content.BaseName(e.Name)

	version := content.VersionToken(e.Name)
	if version == "" && !e.Modified.IsZero() {
		version = e.Modified.Format("2006-01")
	}

	category := path.Base(dir)
	if dir == "" || category == "." {
		category = "other"
	}

	return &content.Item{
		ID:            base,
		Name:          base,
		Title:         base,
		Language:      languageOf(base),
		Category:      category,
		Size:          e.Size,
		Version:       version,
		DescriptorURL: e.URL + content.DescriptorSuffix,
		UpdatedAt:     e.Modified,
	}
}

// languageOf reads the language segment of "<project>_<lang>_<flavour>" names.
func languageOf(base string) string {
	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return ""
	}

	lang := parts[1]
	if len(lang) < 2 || len(lang) > 3 {
		return ""
	}

	return lang
}
