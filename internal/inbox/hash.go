package inbox

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashBytes is used only to detect whether two sends sharing an
// idempotency_key carried the same body (spec.md §6: a clash with a
// different body is CONFLICT). It is not a security boundary, so a
// straightforward SHA-256 digest is sufficient.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
