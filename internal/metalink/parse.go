package metalink

import (
	"encoding/xml"
	"errors"
	"sort"
	"strings"

	"github.com/jeeshofone/ApocaCache/internal/content"
)

type document struct {
	XMLName xml.Name `xml:"metalink"`
	Files   []file   `xml:"file"`
}

type file struct {
	Name   string      `xml:"name,attr"`
	Size   int64       `xml:"size"`
	Hashes []hashValue `xml:"hash"`
	URLs   []mirrorURL `xml:"url"`
}

type hashValue struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type mirrorURL struct {
	Priority int    `xml:"priority,attr"`
	Location string `xml:"location,attr"`
	Value    string `xml:",chardata"`
}

// Parse decodes a metalink v4 document into a descriptor. Only the first file entry is
// used; content descriptors describe exactly one file.
func Parse(data []byte, descriptorURL string) (*content.Descriptor, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	if len(doc.Files) == 0 {
		return nil, errors.New("descriptor lists no file")
	}

	f := doc.Files[0]
	if f.Name == "" {
		return nil, errors.New("descriptor file has no name")
	}

	d := &content.Descriptor{
		FileName:  f.Name,
		Size:      f.Size,
		Checksums: make(map[string]string, len(f.Hashes)),
		URL:       descriptorURL,
	}

	for _, h := range f.Hashes {
		if v := strings.TrimSpace(h.Value); v != "" {
			d.Checksums[content.NormalizeAlgo(h.Type)] = strings.ToLower(v)
		}
	}

	d.Mirrors = orderMirrors(f.URLs)

	return d, nil
}

// orderMirrors sorts by ascending priority, keeping document order among equal priorities.
// Entries without a priority sort last.
func orderMirrors(urls []mirrorURL) []string {
	sorted := make([]mirrorURL, 0, len(urls))

	for _, u := range urls {
		if u.Value = strings.TrimSpace(u.Value); u.Value != "" {
			sorted = append(sorted, u)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i]) < rank(sorted[j])
	})

	out := make([]string, 0, len(sorted))
	seen := make(map[string]struct{}, len(sorted))

	for _, u := range sorted {
		if _, dup := seen[u.Value]; dup {
			continue
		}

		seen[u.Value] = struct{}{}
		out = append(out, u.Value)
	}

	return out
}

func rank(u mirrorURL) int {
	if u.Priority <= 0 {
		return int(^uint(0) >> 1)
	}

	return u.Priority
}
