package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hash returns the content address of an item: the hex sha256 of its
// trimmed source URL.
func Hash(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}
