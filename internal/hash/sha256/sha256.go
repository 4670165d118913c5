// Package sha256 computes the content hash recorded for each rendered detail
// page. The same digest names the page's snapshot object, so identical renders
// share one blob.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

var _ crawler.Hasher = Hasher{}

// Hasher digests page markup into 64 lowercase hex characters.
type Hasher struct{}

// New returns the content hasher used for detail pages.
func New() Hasher {
	return Hasher{}
}

// Hash returns the digest of markup. It never fails.
func (Hasher) Hash(markup []byte) (string, error) {
	digest := sha256.Sum256(markup)
	return hex.EncodeToString(digest[:]), nil
}
