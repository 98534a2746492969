package telemetry

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives a stable device id from client traits. The traits are
// normalised and hashed, so the raw values never leave the node.
func Fingerprint(traits ...string) string {
	norm := make([]string, len(traits))
	for i, t := range traits {
		norm[i] = strings.ToLower(strings.TrimSpace(t))
	}
	sum := blake2b.Sum256([]byte(strings.Join(norm, "\x1f")))
	return hex.EncodeToString(sum[:16])
}
