// Package keys builds and strips namespace prefixes on storage keys.
package keys

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Sep separates a namespace from the key it qualifies.
const Sep = ":"

// Join returns prefix:key, or key unchanged when prefix is empty.
func Join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Sep + key
}

// Strip removes prefix: from key. ok is false when key is outside the namespace.
func Strip(prefix, key string) (string, bool) {
	if prefix == "" {
		return key, true
	}
	p := prefix + Sep
	if !strings.HasPrefix(key, p) {
		return "", false
	}
	return key[len(p):], true
}

// Filter keeps the keys inside prefix and returns them without it.
func Filter(prefix string, all []string) []string {
	out := make([]string, 0, len(all))
	for _, k := range all {
		if s, ok := Strip(prefix, k); ok {
			out = append(out, s)
		}
	}
	return out
}

// Digest returns a short, stable hex digest of s (first 16 hex chars of SHA-256).
// Used where a key must become a fixed-size identifier, e.g. a redacted log field.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)[:16]
}
