package content

import (
	"crypto/md5"  //nolint:gosec // upstream descriptors still publish md5
	"crypto/sha1" //nolint:gosec // upstream descriptors still publish sha-1
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"
)

// DescriptorSuffix is the extension of the per-item descriptor document.
const DescriptorSuffix = ".meta4"

// Hash algorithm names as published by metalink descriptors.
const (
	AlgoSHA256 = "sha-256"
	AlgoSHA1   = "sha-1"
	AlgoMD5    = "md5"
)

// algoStrength lists supported algorithms from strongest to weakest.
var algoStrength = []string{AlgoSHA256, AlgoSHA1, AlgoMD5}

// Descriptor is the resolved per-item metadata. When present its size and checksum are
// authoritative over anything the catalog declares.
type Descriptor struct {
	ItemID    string
	FileName  string
	Size      int64
	Checksums map[string]string // algorithm -> lowercase hex
	Mirrors   []string          // priority ordered, first is preferred
	URL       string            // descriptor document URL
	Version   string            // catalog version token at resolution time
	UpdatedAt time.Time
}

// Checksum returns the strongest known checksum and its algorithm. Both are empty when
// the descriptor carries no usable checksum.
func (d *Descriptor) Checksum() (algo string, sum string) {
	for _, a := range algoStrength {
		if v := strings.TrimSpace(d.Checksums[a]); v != "" {
			return a, strings.ToLower(v)
		}
	}

	return "", ""
}

// Candidates returns the ordered download URLs: explicit mirrors when present, otherwise
// the direct URL derived from the descriptor location.
func (d *Descriptor) Candidates() []string {
	if len(d.Mirrors) > 0 {
		out := make([]string, len(d.Mirrors))
		copy(out, d.Mirrors)

		return out
	}

	if d.URL == "" {
		return nil
	}

	return []string{strings.TrimSuffix(d.URL, DescriptorSuffix)}
}

// NewHash returns a hash for a descriptor algorithm name, or nil when unsupported.
func NewHash(algo string) hash.Hash {
	switch strings.ToLower(algo) {
	case AlgoSHA256, "sha256":
		return sha256.New()
	case AlgoSHA1, "sha1":
		return sha1.New() //nolint:gosec
	case AlgoMD5:
		return md5.New() //nolint:gosec
	default:
		return nil
	}
}

// NormalizeAlgo maps the spelling variants seen in the wild onto the canonical names.
func NormalizeAlgo(algo string) string {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "sha-256", "sha256":
		return AlgoSHA256
	case "sha-1", "sha1":
		return AlgoSHA1
	case "md5":
		return AlgoMD5
	default:
		return strings.ToLower(strings.TrimSpace(algo))
	}
}

// FormatChecksum renders a checksum as recorded in local state: "<algo>:<hex>".
func FormatChecksum(algo, sum string) string {
	if algo == "" || sum == "" {
		return ""
	}

	return NormalizeAlgo(algo) + ":" + strings.ToLower(sum)
}

// ParseChecksum splits a recorded checksum. Values recorded without an algorithm are
// returned with an empty algorithm.
func ParseChecksum(recorded string) (algo string, sum string) {
	a, s, ok := strings.Cut(strings.TrimSpace(recorded), ":")
	if !ok {
		return "", strings.ToLower(a)
	}

	return NormalizeAlgo(a), strings.ToLower(s)
}

// HashFile computes the hex digest of a file for the given algorithm.
func HashFile(path, algo string) (string, error) {
	h := NewHash(algo)
	if h == nil {
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
