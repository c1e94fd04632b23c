package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var (
	x25519Curve    = ecdh.X25519()
	sessionKeyInfo = []byte("gopad-session-v1")
)

// GenerateEphemeralKey creates a per-connection X25519 keypair.
func GenerateEphemeralKey() (*ecdh.PrivateKey, []byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	return privateKey, privateKey.PublicKey().Bytes(), nil
}

// SharedSecret performs X25519 with the peer's raw public key.
func SharedSecret(privateKey *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	publicKey, err := x25519Curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer X25519 key: %w", err)
	}
	secret, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands a shared secret into a 32-byte AES key with HKDF-SHA256.
// The salt binds both device ids in sorted order so either side derives the same key.
func DeriveSessionKey(sharedSecret []byte, localID, remoteID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("derive session key: empty shared secret")
	}
	first, second := localID, remoteID
	if second < first {
		first, second = second, first
	}
	salt := []byte(first + "|" + second)

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, sessionKeyInfo), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
