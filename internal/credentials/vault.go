// Package credentials seals connection secrets at rest.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrCorrupt is returned when a sealed value cannot be opened.
var ErrCorrupt = errors.New("credentials: sealed value is corrupt or was sealed with another key")

// Vault seals and opens credential blobs with a symmetric key.
type Vault struct {
	key [32]byte
}

// NewVault derives the box key from secret. Any non-empty string is accepted.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("credentials: key is empty")
	}
	return &Vault{key: sha256.Sum256([]byte(secret))}, nil
}

// Seal encrypts plain and returns base64(nonce || box).
func (v *Vault) Seal(plain []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("credentials: read nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plain, &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. An empty value opens to nil.
func (v *Vault) Open(sealed string) ([]byte, error) {
	if sealed == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrCorrupt
	}
	return plain, nil
}
