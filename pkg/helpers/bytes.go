// Package helpers provides small utility functions shared across the engine.
package helpers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// GenerateSecureRandom returns n cryptographically secure random bytes.
func GenerateSecureRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// timing information about where they differ.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZeroBytes reports whether every byte in b is zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// HexToBytes decodes a hex string, tolerating an optional 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex encodes bytes as a bare hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
