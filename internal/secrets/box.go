// Package secrets provides symmetric sealing of stored credentials and
// cached access tokens. Values are encrypted with AES-256-GCM under a
// single process-wide master key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

var (
	// ErrInvalidKey is returned when the master key has the wrong length.
	ErrInvalidKey = errors.New("master key must be 32 bytes")
	// ErrMalformedCiphertext is returned when a sealed value is too short
	// to contain a nonce.
	ErrMalformedCiphertext = errors.New("sealed value is malformed")
)

// Box seals and opens byte slices. The sealed format is nonce || ciphertext.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// NewBoxFromHex creates a Box from a hex-encoded 32-byte key.
func NewBoxFromHex(encoded string) (*Box, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return NewBox(key)
}

// Seal encrypts plaintext and returns nonce || ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, ErrMalformedCiphertext
	}

	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}

	return plaintext, nil
}
