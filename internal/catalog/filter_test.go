package catalog

import (
	"regexp"
	"testing"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/stretchr/testify/assert"
)

func TestFilterCandidate(t *testing.T) {
	eng := &content.Item{Name: "wikipedia_en_all", Language: "eng"}
	multi := &content.Item{Name: "ted_mul_all", Language: "fra,eng"}
	deu := &content.Item{Name: "wikipedia_de_all", Language: "deu"}

	f := &Filter{Languages: []string{"eng"}}
	assert.True(t, f.Candidate(eng))
	assert.True(t, f.Candidate(multi))
	assert.False(t, f.Candidate(deu))

	f = &Filter{Pattern: regexp.MustCompile(`^wikipedia_`)}
	assert.True(t, f.Candidate(deu))
	assert.False(t, f.Candidate(multi))

	var none *Filter
	assert.True(t, none.Candidate(deu))
	assert.Len(t, (&Filter{Languages: []string{"deu"}}).Candidates([]*content.Item{eng, multi, deu}), 1)
}

func TestFilterSelected(t *testing.T) {
	item := &content.Item{
		Name:          "wikipedia_en_all",
		Language:      "eng",
		Category:      "wikipedia",
		DescriptorURL: "https://x/zim/wikipedia/wikipedia_en_all_maxi_2024-01.zim.meta4",
	}

	assert.True(t, (&Filter{DownloadAll: true}).Selected(item))
	assert.False(t, (&Filter{}).Selected(item))
	assert.True(t, (&Filter{Selections: []Selection{{Name: "wikipedia_en_all_maxi"}}}).Selected(item))
	assert.True(t, (&Filter{Selections: []Selection{{Name: "wikipedia_en", Category: "Wikipedia"}}}).Selected(item))
	assert.False(t, (&Filter{Selections: []Selection{{Name: "wikipedia_en", Category: "gutenberg"}}}).Selected(item))
	assert.False(t, (&Filter{Selections: []Selection{{Name: "wikipedia_en", Language: "fra"}}}).Selected(item))
}
