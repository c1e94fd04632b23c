package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopad/crypto"
)

var (
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("network: connection closed")
)

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalDeviceID     string
	Peer              PeerInfo
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	OutboundQueue     int
}

// PeerConnection is an established, encrypted session with one remote device.
// All writes go through a single writer goroutine fed by a bounded queue.
type PeerConnection struct {
	conn   net.Conn
	cipher *crypto.FrameCipher

	localDeviceID string
	peer          PeerInfo

	writeMu sync.Mutex
	sendSeq uint64
	recvSeq uint64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastInbound atomic.Int64
	dropped     atomic.Uint64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	outbound chan []byte
	inbound  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey []byte, options ConnectionOptions) (*PeerConnection, error) {
	fc, err := crypto.NewFrameCipher(sessionKey)
	if err != nil {
		return nil, err
	}

	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}
	queue := options.OutboundQueue
	if queue <= 0 {
		queue = DefaultOutboundQueue
	}

	peer := options.Peer
	if peer.Address == "" && conn.RemoteAddr() != nil {
		peer.Address = conn.RemoteAddr().String()
	}

	pc := &PeerConnection{
		conn:              conn,
		cipher:            fc,
		localDeviceID:     options.LocalDeviceID,
		peer:              peer,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		outbound:          make(chan []byte, queue),
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}

	pc.touchInbound()
	go pc.readLoop()
	go pc.writeLoop()
	go pc.keepAliveLoop()

	return pc, nil
}

// Peer returns the verified remote device.
func (pc *PeerConnection) Peer() PeerInfo {
	return pc.peer
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Dropped reports how many outbound messages were discarded because the queue was full.
func (pc *PeerConnection) Dropped() uint64 {
	return pc.dropped.Load()
}

// TrySend queues a message without blocking. It returns false if the
// connection is closed or the outbound queue is full.
func (pc *PeerConnection) TrySend(message any) bool {
	payload, err := EncodeJSON(message)
	if err != nil {
		return false
	}
	select {
	case <-pc.closed:
		return false
	default:
	}
	select {
	case pc.outbound <- payload:
		return true
	default:
		pc.dropped.Add(1)
		return false
	}
}

// SendInput queues one encoded input event without blocking.
func (pc *PeerConnection) SendInput(event []byte) bool {
	return pc.TrySend(InputMessage{Type: TypeInput, Event: event})
}

// SendMessage queues a control message, waiting for queue space.
func (pc *PeerConnection) SendMessage(ctx context.Context, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	select {
	case <-pc.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case pc.outbound <- payload:
		return nil
	case <-pc.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveMessage waits for the next non-keepalive inbound message.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		// Messages read before the close are still delivered.
		select {
		case payload := <-pc.inbound:
			return payload, nil
		default:
		}
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect writes peer_disconnect directly and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	_ = pc.writeDirect(PeerDisconnect{
		Type:         TypePeerDisconnect,
		FromDeviceID: pc.localDeviceID,
		Timestamp:    time.Now().UnixMilli(),
	})
	return pc.Close()
}

// writeDirect bypasses the outbound queue with a short write deadline.
func (pc *PeerConnection) writeDirect(message any) error {
	select {
	case <-pc.closed:
		return ErrConnectionClosed
	default:
	}
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	_ = pc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	defer func() {
		_ = pc.conn.SetWriteDeadline(time.Time{})
	}()
	return pc.writeSealed(payload)
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) writeSealed(payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	pc.sendSeq++
	sealed, err := pc.cipher.Seal(pc.sendSeq, payload)
	if err != nil {
		return err
	}
	frame, err := EncodeJSON(SecureFrame{Type: TypeSecure, Sequence: pc.sendSeq, Sealed: sealed})
	if err != nil {
		return err
	}
	return WriteFrame(pc.conn, frame)
}

func (pc *PeerConnection) openSealed(frame []byte) ([]byte, error) {
	var secure SecureFrame
	if err := json.Unmarshal(frame, &secure); err != nil {
		return nil, fmt.Errorf("decode secure frame: %w", err)
	}
	if secure.Type != TypeSecure {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeSecure, secure.Type)
	}
	if secure.Sequence <= pc.recvSeq {
		return nil, ErrSequenceReplay
	}
	payload, err := pc.cipher.Open(secure.Sequence, secure.Sealed)
	if err != nil {
		return nil, err
	}
	pc.recvSeq = secure.Sequence
	return payload, nil
}

func (pc *PeerConnection) writeLoop() {
	for {
		select {
		case payload := <-pc.outbound:
			if err := pc.writeSealed(payload); err != nil {
				pc.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		if len(frame) == 0 {
			continue
		}

		payload, err := pc.openSealed(frame)
		if err != nil {
			pc.closeWithError(err)
			return
		}
		pc.touchInbound()

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			pc.closeWithError(err)
			return
		}

		switch msgType {
		case TypePing:
			pc.TrySend(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			pc.ackPong()
		case TypePeerDisconnect:
			pc.closeWithError(nil)
			return
		default:
			select {
			case pc.inbound <- payload:
			case <-pc.closed:
				return
			}
		}
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastInbound.Load()))
			if idleFor < pc.keepAliveInterval || pc.isWaitingPong() {
				continue
			}

			if pc.TrySend(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}) {
				pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
			}
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) touchInbound() {
	pc.lastInbound.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}
