package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorChecksumPrefersStrongest(t *testing.T) {
	d := &Descriptor{Checksums: map[string]string{
		AlgoMD5:    "AAA",
		AlgoSHA256: "ABC123",
	}}

	algo, sum := d.Checksum()
	assert.Equal(t, AlgoSHA256, algo)
	assert.Equal(t, "abc123", sum)

	empty := &Descriptor{}
	algo, sum = empty.Checksum()
	assert.Empty(t, algo)
	assert.Empty(t, sum)
}

func TestDescriptorCandidates(t *testing.T) {
	withMirrors := &Descriptor{
		URL:     "https://example.org/zim/a_2024-01.zim.meta4",
		Mirrors: []string{"https://m1/a.zim", "https://m2/a.zim"},
	}
	assert.Equal(t, []string{"https://m1/a.zim", "https://m2/a.zim"}, withMirrors.Candidates())

	direct := &Descriptor{URL: "https://example.org/zim/a_2024-01.zim.meta4"}
	assert.Equal(t, []string{"https://example.org/zim/a_2024-01.zim"}, direct.Candidates())

	assert.Nil(t, (&Descriptor{}).Candidates())
}

func TestNewHash(t *testing.T) {
	for _, algo := range []string{AlgoSHA256, AlgoSHA1, AlgoMD5, "SHA256"} {
		require.NotNil(t, NewHash(algo), algo)
	}

	assert.Nil(t, NewHash("crc32"))
}

func TestItemDerivedNames(t *testing.T) {
	item := &Item{DescriptorURL: "https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2024-01.zim.meta4"}

	assert.Equal(t, "https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2024-01.zim", item.DirectURL())
	assert.Equal(t, "wikipedia_en_all_maxi_2024-01.zim", item.FileName())
	assert.Equal(t, "wikipedia", CategoryFromURL(item.DirectURL()))
	assert.Equal(t, "", CategoryFromURL("https://example.org/file.zim"))
}

func TestChecksumRecords(t *testing.T) {
	rec := FormatChecksum("SHA256", "ABCD")
	assert.Equal(t, "sha-256:abcd", rec)

	algo, sum := ParseChecksum(rec)
	assert.Equal(t, AlgoSHA256, algo)
	assert.Equal(t, "abcd", sum)

	algo, sum = ParseChecksum("DEADBEEF")
	assert.Empty(t, algo)
	assert.Equal(t, "deadbeef", sum)

	assert.Empty(t, FormatChecksum("", "x"))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zim")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	sum, err := HashFile(path, AlgoSHA256)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)

	_, err = HashFile(path, "crc32")
	assert.Error(t, err)
}
