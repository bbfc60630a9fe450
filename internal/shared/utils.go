// Package shared provides random material for keys, nonces and names, and
// wiping of secrets held in memory.
package shared

import (
	"crypto/rand"
	"encoding/hex"
)

// MakeRandHexString returns size random bytes hex-encoded, so the result is
// 2*size characters long. The server uses it for generated API keys (32
// bytes) and the ignore-mode name tag (4 bytes).
//
//	tag, err := MakeRandHexString(4) // e.g. "9f2d4c3a"
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRandByteArray returns size bytes from crypto/rand and panics if
// the system source fails.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// WipeByteArray zeroes b in place. Nil is a no-op.
func WipeByteArray(b []byte) {
	clear(b)
}
