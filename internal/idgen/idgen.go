// Package idgen generates random identifiers for wire objects.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix + 24 hex chars of randomness, in the style
// of "evt_3f09c2...". The prefix carries its own trailing underscore.
func WithPrefix(prefix string) string {
	return prefix + randHex(12)
}

// Hex returns a random hex string covering numBytes bytes of entropy.
func Hex(numBytes int) string {
	return randHex(numBytes)
}
