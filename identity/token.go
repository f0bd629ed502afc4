package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// discoveryTokenBytes is the token length before hex encoding.
const discoveryTokenBytes = 8

// DiscoveryToken derives the rotating token advertised instead of the
// raw device ID. The token is stable within one UTC hour and changes at
// the hour boundary, so passive observers cannot track a device across
// sessions while active peers can still recognize it within the
// freshness window.
func DiscoveryToken(deviceID string, publicKey ed25519.PublicKey, now time.Time) string {
	bucket := now.UTC().Truncate(time.Hour)

	reader := hkdf.New(sha256.New, publicKey, []byte(deviceID),
		[]byte("pdrop/discovery-token/"+bucket.Format(time.RFC3339)))

	token := make([]byte, discoveryTokenBytes)
	if _, err := io.ReadFull(reader, token); err != nil {
		// HKDF expansion of a fixed-size request cannot fail.
		return ""
	}
	return hex.EncodeToString(token)
}
