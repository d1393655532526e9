// Package secrets seals provider credentials at rest with NaCl secretbox.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/ternarybob/tablemind/internal/interfaces"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrInvalidCiphertext is returned when a sealed value cannot be opened
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Codec seals values as base64(nonce || secretbox(plaintext))
type Codec struct {
	key [keySize]byte
}

var _ interfaces.SecretCodec = (*Codec)(nil)

// NewCodec creates a codec from a base64 encoded 32 byte key
func NewCodec(encodedKey string) (*Codec, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets key is not valid base64: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("secrets key must be %d bytes, got %d", keySize, len(raw))
	}
	c := &Codec{}
	copy(c.key[:], raw)
	return c, nil
}

// GenerateKey returns a fresh base64 encoded key
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidCiphertext)
	}
	return string(opened), nil
}
