package catalog

import (
	"regexp"
	"slices"
	"strings"

	"github.com/jeeshofone/ApocaCache/internal/content"
)

// Selection names content the operator wants mirrored.
type Selection struct {
	Name     string
	Language string
	Category string
}

// Filter decides which catalog items are candidates and which of them are scheduled for
// download.
type Filter struct {
	Languages   []string
	Pattern     *regexp.Regexp
	Selections  []Selection
	DownloadAll bool
}

// Candidate reports whether an item passes the language and name filters.
func (f *Filter) Candidate(item *content.Item) bool {
	if f == nil {
		return true
	}

	if len(f.Languages) > 0 && !matchesLanguage(f.Languages, item.Language) {
		return false
	}

	if f.Pattern != nil && !f.Pattern.MatchString(item.Name) && !f.Pattern.MatchString(item.FileName()) {
		return false
	}

	return true
}

// Selected reports whether a candidate should be downloaded on the schedule.
func (f *Filter) Selected(item *content.Item) bool {
	if f == nil || f.DownloadAll {
		return true
	}

	for _, s := range f.Selections {
		if s.matches(item) {
			return true
		}
	}

	return false
}

// Candidates keeps the items passing Candidate, preserving order.
func (f *Filter) Candidates(items []*content.Item) []*content.Item {
	out := make([]*content.Item, 0, len(items))

	for _, item := range items {
		if f.Candidate(item) {
			out = append(out, item)
		}
	}

	return out
}

func (s Selection) matches(item *content.Item) bool {
	if s.Name == "" {
		return false
	}

	if !strings.HasPrefix(item.Name, s.Name) && !strings.HasPrefix(item.FileName(), s.Name) {
		return false
	}

	if s.Category != "" && !strings.EqualFold(s.Category, item.Category) {
		return false
	}

	if s.Language != "" && !matchesLanguage([]string{s.Language}, item.Language) {
		return false
	}

	return true
}

// matchesLanguage accepts multi-language items ("eng,fra") when any of their codes match.
func matchesLanguage(accepted []string, language string) bool {
	for _, code := range strings.Split(language, ",") {
		code = strings.TrimSpace(code)
		if slices.ContainsFunc(accepted, func(a string) bool { return strings.EqualFold(strings.TrimSpace(a), code) }) {
			return true
		}
	}

	return false
}
