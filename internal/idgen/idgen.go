// Package idgen generates the prefixed identifiers used across Payrail
// (ord_, dsp_, jrn_, tpu_, wdr_, evt_). The prefix makes an ID's resource
// type recognizable in logs and support tooling without a lookup.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes). Collision
// odds at that width are negligible for our volumes, and the shorter form
// keeps URLs and journal references readable.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the host is broken; IDs minted from a
		// degraded source would be worse than crashing.
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
