package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopad/crypto"
)

const challengeNonceSize = 32

// LocalIdentity contains local device values required to build handshake messages.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Role       string
	Keys       crypto.Identity
}

// PeerInfo describes the verified remote end of a connection.
type PeerInfo struct {
	DeviceID    string
	DeviceName  string
	Role        string
	PublicKey   ed25519.PublicKey
	Fingerprint string
	Address     string
}

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	OutboundQueue     int
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.OutboundQueue <= 0 {
		out.OutboundQueue = DefaultOutboundQueue
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if len(o.Identity.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is required")
	}
	return nil
}

func (o HandshakeOptions) connectionOptions(peer PeerInfo) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		Peer:              peer,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		OutboundQueue:     o.OutboundQueue,
	}
}

// ephemeralExchange holds the per-connection X25519 key used to derive the session key.
type ephemeralExchange struct {
	private *ecdh.PrivateKey
	public  []byte
}

func newEphemeralExchange() (ephemeralExchange, error) {
	private, public, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return ephemeralExchange{}, err
	}
	return ephemeralExchange{private: private, public: public}, nil
}

func (e ephemeralExchange) sessionKey(peerPublicBase64, localID, peerID string) ([]byte, error) {
	peerPublic, err := base64.StdEncoding.DecodeString(peerPublicBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	secret, err := crypto.SharedSecret(e.private, peerPublic)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveSessionKey(secret, localID, peerID)
}

func buildHandshake(identity LocalIdentity, msgType, challengeNonce string, ephemeralPublic []byte) (HandshakeMessage, error) {
	msg := HandshakeMessage{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		Role:             identity.Role,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Keys.PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublic),
		ChallengeNonce:   challengeNonce,
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := handshakeSignable(msg)
	if err != nil {
		return HandshakeMessage{}, err
	}
	signature, err := identity.Keys.Sign(signable)
	if err != nil {
		return HandshakeMessage{}, fmt.Errorf("sign handshake payload: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// verifyHandshake checks version, challenge binding and signature, and returns
// the verified peer description.
func verifyHandshake(msg HandshakeMessage, challengeNonce string) (PeerInfo, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return PeerInfo{}, ErrUnsupportedVersion
	}
	if msg.DeviceID == "" {
		return PeerInfo{}, errors.New("handshake is missing device id")
	}
	if msg.ChallengeNonce != challengeNonce {
		return PeerInfo{}, errors.New("handshake challenge nonce mismatch")
	}

	publicKey, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return PeerInfo{}, errors.New("invalid Ed25519 public key length")
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("decode handshake signature: %w", err)
	}
	signable, err := handshakeSignable(msg)
	if err != nil {
		return PeerInfo{}, err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return PeerInfo{}, ErrInvalidSignature
	}

	return PeerInfo{
		DeviceID:    msg.DeviceID,
		DeviceName:  msg.DeviceName,
		Role:        msg.Role,
		PublicKey:   ed25519.PublicKey(publicKey),
		Fingerprint: crypto.KeyFingerprint(publicKey),
	}, nil
}

func handshakeSignable(msg HandshakeMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	return signable, nil
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
