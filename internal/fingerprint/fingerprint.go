// Package fingerprint derives short, non-reversible identifiers for key
// material so it can appear in logs and metric labels without ever
// exposing the underlying bytes.
package fingerprint

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the length, in bytes, of a fingerprint.
const Size = 8

// Of returns the hex-encoded BLAKE3 fingerprint of key. It is not an
// integrity check or a KDF; it exists purely to make otherwise-opaque key
// material distinguishable in structured logs and metric exemplars.
func Of(key []byte) string {
	sum := blake3.Sum256(key)
	return hex.EncodeToString(sum[:Size])
}
