// Package sha256 computes content hashes for normalized records.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashRecord digests the record's ordered field values. Identity key, source
// URL and fetch time do not participate.
func (h *Hasher) HashRecord(rec crawler.Record) string {
	sum := sha256.Sum256(rec.Canonical())
	return hex.EncodeToString(sum[:])
}
