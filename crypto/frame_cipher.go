package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOpenFailed indicates authentication of a sealed frame failed.
var ErrOpenFailed = errors.New("crypto: sealed frame failed authentication")

// FrameCipher seals session frames with AES-256-GCM. The frame sequence number is
// bound as additional data so a replayed or reordered frame fails to open.
type FrameCipher struct {
	aead cipher.AEAD
}

// NewFrameCipher builds a cipher from a 32-byte session key.
func NewFrameCipher(sessionKey []byte) (*FrameCipher, error) {
	if len(sessionKey) != sessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), sessionKeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &FrameCipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext.
func (c *FrameCipher) Seal(sequence uint64, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, sequenceAAD(sequence)), nil
}

// Open reverses Seal for the given sequence number.
func (c *FrameCipher) Open(sequence uint64, sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: frame too short", ErrOpenFailed)
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], sequenceAAD(sequence))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func sequenceAAD(sequence uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, sequence)
	return aad
}
