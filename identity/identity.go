// Package identity manages the local device identity advertised during
// discovery: a stable device ID, an Ed25519 keypair persisted as PEM,
// and the derived values (fingerprint, rotating discovery token) that
// appear in advertisements.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/google/uuid"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is the local device identity used by discovery backends.
type Identity struct {
	DeviceID   string
	DeviceName string
	PublicKey  ed25519.PublicKey

	privateKey ed25519.PrivateKey
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of the
// device public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.PublicKey)
}

// NewDeviceID returns a fresh random device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}

// Load assembles a device identity from persisted config values,
// generating the keypair on first run.
func Load(deviceID, deviceName, privatePath, publicPath string) (*Identity, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("device ID is required")
	}

	privateKey, publicKey, err := ensureKeyPair(privatePath, publicPath)
	if err != nil {
		return nil, err
	}

	return &Identity{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		PublicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// ensureKeyPair loads the Ed25519 keypair from disk, generating it on
// first run. A missing or mismatched public key file is rewritten from
// the private key.
func ensureKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := loadPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		storedPublic, pubErr := loadPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := savePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := savePEM(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := savePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public
// key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4
// uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}
