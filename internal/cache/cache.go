// Package cache stores oracle replies so that re-running a categorization
// with an identical prompt does not pay for the same call twice.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key hashes the parts of a request (provider, model, prompt...) into a
// stable cache key. Parts are length-prefixed so ("ab","c") and ("a","bc")
// never collide.
func Key(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return "factorcanon:v1:" + hex.EncodeToString(h.Sum(nil))
}
