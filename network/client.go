package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Dial connects to a host, performs the handshake, sends an invite and waits for
// the answer. The context bounds the whole exchange; cancelling it aborts the dial.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	pc, err := clientHandshake(conn, opts)
	if !stop() || err != nil {
		if pc != nil {
			_ = pc.Close()
		} else {
			_ = conn.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if err := pc.SendMessage(ctx, InviteRequest{
		Type:           TypeInvite,
		FromDeviceID:   opts.Identity.DeviceID,
		FromDeviceName: opts.Identity.DeviceName,
		Timestamp:      time.Now().UnixMilli(),
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("send invite: %w", err)
	}

	payload, err := pc.ReceiveMessage(ctx)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("await invite response: %w", err)
	}
	var response InviteResponse
	if err := decodeExpected(payload, TypeInviteResponse, &response); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if response.Status != InviteAccepted {
		_ = pc.Close()
		if response.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrInviteRejected, response.Reason)
		}
		return nil, ErrInviteRejected
	}

	return pc, nil
}

func clientHandshake(conn net.Conn, opts HandshakeOptions) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	var challenge HandshakeChallenge
	if err := decodeExpected(payload, TypeHandshakeChallenge, &challenge); err != nil {
		return nil, err
	}
	if challenge.Nonce == "" {
		return nil, errors.New("handshake challenge is missing nonce")
	}

	exchange, err := newEphemeralExchange()
	if err != nil {
		return nil, err
	}
	handshake, err := buildHandshake(opts.Identity, TypeHandshake, challenge.Nonce, exchange.public)
	if err != nil {
		return nil, err
	}
	handshakePayload, err := EncodeJSON(handshake)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, handshakePayload); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err = ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	var response HandshakeMessage
	if err := decodeExpected(payload, TypeHandshakeResponse, &response); err != nil {
		return nil, err
	}
	peer, err := verifyHandshake(response, challenge.Nonce)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}
	peer.Address = conn.RemoteAddr().String()

	sessionKey, err := exchange.sessionKey(response.X25519PublicKey, opts.Identity.DeviceID, peer.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, opts.connectionOptions(peer))
}
