// Package cipher implements FieldCipher (SPEC_FULL.md §4.2): authenticated
// symmetric encryption for PartyPayload ciphertext and any other at-rest
// sensitive field.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// KeySize is the required key length in bytes (256 bits).
const KeySize = chacha20poly1305.KeySize

// FieldCipher provides authenticated encryption with a fixed key over its
// lifetime. A FieldCipher is safe for concurrent use; the underlying AEAD
// holds no mutable state.
type FieldCipher struct {
	aead stdcipher.AEAD
}

// New constructs a FieldCipher from a 256-bit key.
func New(key []byte) (*FieldCipher, error) {
	if len(key) != KeySize {
		return nil, escrowerr.Newf(escrowerr.Crypto, "field cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Crypto, "construct aead", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals plaintext, returning nonce||ciphertext+tag.
func (c *FieldCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, escrowerr.Wrap(escrowerr.Crypto, "generate nonce", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt opens a nonce||ciphertext+tag blob produced by Encrypt. On
// authentication failure it returns escrowerr.Crypto without including
// any fragment of the attempted plaintext in the error.
func (c *FieldCipher) Decrypt(blob []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize+c.aead.Overhead() {
		return nil, escrowerr.New(escrowerr.Crypto, "ciphertext too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, escrowerr.New(escrowerr.Crypto, "authentication failed")
	}
	return plaintext, nil
}
