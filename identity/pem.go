package identity

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
)

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := loadPEM(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := loadPEM(path, ed25519PublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

func loadPEM(path, pemType string, keySize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", pemType, block.Type)
	}
	if len(block.Bytes) != keySize {
		return nil, fmt.Errorf("decode %s: invalid key size %d", pemType, len(block.Bytes))
	}
	return block.Bytes, nil
}

func savePEM(path, pemType string, key []byte, mode fs.FileMode) error {
	block := &pem.Block{
		Type:  pemType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}
