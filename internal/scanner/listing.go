package scanner

import (
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
)

// Entry is one link of a directory listing.
type Entry struct {
	Name     string
	URL      string
	Dir      bool
	Size     int64
	Modified time.Time
}

var (
	isoStamp    = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2})`)
	nginxStamp  = regexp.MustCompile(`(\d{2}-[A-Za-z]{3}-\d{4}) (\d{2}:\d{2})`)
	parenthesis = strings.NewReplacer("(", " ", ")", " ", "[", " ", "]", " ")
)

// ParseListing extracts the entries of an HTML directory listing served at page. Links that
// leave the listed directory (parent links, sort links, absolute links to other hosts) are
// skipped. The modification time and size are read from the text that follows each link,
// which covers both the preformatted and the table layouts.
func ParseListing(page *url.URL, body io.Reader) ([]Entry, error) {
	z := html.NewTokenizer(body)

	var (
		entries []Entry
		current *Entry
		inLink  bool
		details strings.Builder
	)

	flush := func() {
		if current != nil {
			applyDetails(current, details.String())
			entries = append(entries, *current)
		}

		current = nil

		details.Reset()
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, err
			}

			flush()

			return entries, nil
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" {
				continue
			}

			flush()

			inLink = true

			if !hasAttr {
				continue
			}

			if e, ok := entryFromHref(page, hrefOf(z)); ok {
				current = &e
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "a" {
				inLink = false
			}
		case html.TextToken:
			if current != nil && !inLink {
				details.Write(z.Text())
				details.WriteByte(' ')
			}
		}
	}
}

func hrefOf(z *html.Tokenizer) string {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" {
			return string(val)
		}

		if !more {
			return ""
		}
	}
}

func entryFromHref(page *url.URL, href string) (Entry, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "../") {
		return Entry{}, false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return Entry{}, false
	}

	abs := page.ResolveReference(ref)
	abs.RawQuery = ""
	abs.Fragment = ""

	if abs.Host != page.Host || !strings.HasPrefix(abs.Path, page.Path) || abs.Path == page.Path {
		return Entry{}, false
	}

	rel := strings.TrimPrefix(abs.Path, page.Path)
	dir := strings.HasSuffix(rel, "/")
	name := strings.TrimSuffix(rel, "/")

	if name == "" || strings.Contains(name, "/") {
		return Entry{}, false
	}

	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	return Entry{Name: name, URL: abs.String(), Dir: dir}, true
}

func applyDetails(e *Entry, text string) {
	text = parenthesis.Replace(text)

	rest := text

	if m := isoStamp.FindStringSubmatchIndex(text); m != nil {
		if t, err := time.Parse("2006-01-02 15:04", text[m[2]:m[3]]+" "+text[m[4]:m[5]]); err == nil {
			e.Modified = t.UTC()
		}

		rest = text[:m[0]] + " " + text[m[1]:]
	} else if m := nginxStamp.FindStringSubmatchIndex(text); m != nil {
		if t, err := time.Parse("02-Jan-2006 15:04", text[m[2]:m[3]]+" "+text[m[4]:m[5]]); err == nil {
			e.Modified = t.UTC()
		}

		rest = text[:m[0]] + " " + text[m[1]:]
	}

	if e.Dir {
		return
	}

	for _, field := range strings.Fields(rest) {
		if n, err := humanize.ParseBytes(field); err == nil {
			e.Size = int64(n)

			return
		}
	}
}
