// Package credential hashes and verifies the emergency override password.
//
// Stored hashes have the form "sha256:" followed by the lowercase hex digest.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Prefix marks the hash algorithm of a stored credential.
const Prefix = "sha256:"

// Hash returns the stored representation of password.
func Hash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return Prefix + hex.EncodeToString(sum[:])
}

// Verify reports whether password matches storedHash using a constant-time comparison.
// Hashes without the expected prefix never verify.
func Verify(password, storedHash string) bool {
	if !strings.HasPrefix(storedHash, Prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(password)), []byte(storedHash)) == 1
}
