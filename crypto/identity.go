package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	privateKeyPEMType = "ED25519 PRIVATE KEY"
	publicKeyPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is the long-lived signing key of a device.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// LoadIdentity reads the device keypair, creating and persisting one on first run.
// A missing or stale public key file is rewritten from the private key.
func LoadIdentity(privatePath, publicPath string) (Identity, error) {
	privateKey, err := readKeyPEM(privatePath, privateKeyPEMType, ed25519.PrivateKeySize)
	switch {
	case err == nil:
		id := newIdentity(ed25519.PrivateKey(privateKey))
		stored, pubErr := readKeyPEM(publicPath, publicKeyPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, id.PublicKey) {
			if err := writeKeyPEM(publicPath, publicKeyPEMType, id.PublicKey, 0o644); err != nil {
				return Identity{}, err
			}
		}
		return id, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Identity{}, err
	}

	_, generated, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	id := newIdentity(generated)
	if err := writeKeyPEM(privatePath, privateKeyPEMType, id.PrivateKey, 0o600); err != nil {
		return Identity{}, err
	}
	if err := writeKeyPEM(publicPath, publicKeyPEMType, id.PublicKey, 0o644); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewEphemeralIdentity returns an in-memory identity that is never persisted.
func NewEphemeralIdentity() (Identity, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return newIdentity(privateKey), nil
}

func newIdentity(privateKey ed25519.PrivateKey) Identity {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return Identity{
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
		Fingerprint: KeyFingerprint(publicKey),
	}
}

// Sign signs data with the identity's private key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// Verify reports whether signature is a valid Ed25519 signature of data.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	if len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint into uppercase blocks of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	groups := make([]string, 0, (len(clean)+3)/4)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}

func readKeyPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(blockType))
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(blockType), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", strings.ToLower(blockType), len(block.Bytes))
	}
	return block.Bytes, nil
}

func writeKeyPEM(path, blockType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}
