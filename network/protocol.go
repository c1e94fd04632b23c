package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current session protocol version.
	ProtocolVersion = 1
	// MaxFrameSize bounds one frame payload. Input traffic is tiny so this stays small.
	MaxFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial plus handshake.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval is how long a connection may go without inbound traffic before a ping.
	DefaultKeepAliveInterval = 2 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 3 * time.Second
	// DefaultFrameReadTimeout bounds each frame read in the read loop.
	DefaultFrameReadTimeout = 1 * time.Second
	// DefaultOutboundQueue is the per-connection outbound message capacity.
	DefaultOutboundQueue = 128
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeSecure             = "secure"
	TypeInvite             = "invite"
	TypeInviteResponse     = "invite_response"
	TypeInput              = "input"
	TypePing               = "ping"
	TypePong               = "pong"
	TypePeerDisconnect     = "peer_disconnect"
	TypeError              = "error"
)

const (
	InviteAccepted = "accepted"
	InviteRejected = "rejected"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unexpected.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrInviteRejected indicates the remote side declined the invitation.
	ErrInviteRejected = errors.New("network: invitation rejected")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is sent by the listening side as the first frame.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is used for both handshake and handshake_response.
type HandshakeMessage struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Role             string `json:"role"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// SecureFrame carries one sealed message after the handshake.
type SecureFrame struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
	Sealed   []byte `json:"sealed"`
}

// InviteRequest asks the host to start a session.
type InviteRequest struct {
	Type           string `json:"type"`
	FromDeviceID   string `json:"from_device_id"`
	FromDeviceName string `json:"from_device_name"`
	Timestamp      int64  `json:"timestamp"`
}

// InviteResponse answers an InviteRequest.
type InviteResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// InputMessage carries one encoded input event.
type InputMessage struct {
	Type  string `json:"type"`
	Event []byte `json:"event"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PeerDisconnect signals graceful disconnect.
type PeerDisconnect struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

func (m ErrorMessage) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", m.Code, m.Message)
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// decodeExpected decodes payload into out after checking its type. A remote
// error message is returned as an ErrorMessage error.
func decodeExpected(payload []byte, want string, out any) error {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}
	if msgType == TypeError {
		var remote ErrorMessage
		if err := json.Unmarshal(payload, &remote); err != nil {
			return fmt.Errorf("decode remote error: %w", err)
		}
		return remote
	}
	if msgType != want {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, want, msgType)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
