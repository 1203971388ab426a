package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for an
// algorithm migration without colliding with old digests.
const (
	DomainSnapshot = "weft/snapshot/v1"
	DomainTrace    = "weft/trace/v1"
)

// Hash computes SHA-256 over domain || 0x00 || data, hex encoded.
// The null separator keeps the domain/data boundary unambiguous.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue canonicalizes v and hashes the encoding under the given domain.
func HashValue(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("HashValue: %w", err)
	}
	return Hash(domain, data), nil
}
