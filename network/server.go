package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Invitation is a verified inbound connection waiting for an accept or reject decision.
type Invitation struct {
	Peer    PeerInfo
	Request InviteRequest

	conn *PeerConnection
	once sync.Once
}

// Accept answers the invitation and hands over the session connection.
func (inv *Invitation) Accept(ctx context.Context) (*PeerConnection, error) {
	var err error
	answered := false
	inv.once.Do(func() {
		answered = true
		err = inv.conn.SendMessage(ctx, InviteResponse{
			Type:      TypeInviteResponse,
			Status:    InviteAccepted,
			Timestamp: time.Now().UnixMilli(),
		})
	})
	if !answered {
		return nil, errors.New("invitation already answered")
	}
	if err != nil {
		_ = inv.conn.Close()
		return nil, fmt.Errorf("send invite acceptance: %w", err)
	}
	return inv.conn, nil
}

// Reject answers the invitation with reason and closes the connection.
func (inv *Invitation) Reject(reason string) {
	inv.once.Do(func() {
		_ = inv.conn.writeDirect(InviteResponse{
			Type:      TypeInviteResponse,
			Status:    InviteRejected,
			Reason:    reason,
			Timestamp: time.Now().UnixMilli(),
		})
		_ = inv.conn.Disconnect()
	})
}

// Server accepts inbound TCP sessions, runs the handshake, and surfaces invitations.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Invitation
	errs     chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	pending  map[net.Conn]struct{}
	shutdown bool
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Invitation, 4),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		pending:  make(map[net.Conn]struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Incoming returns handshaked connections that have sent an invite.
func (s *Server) Incoming() <-chan *Invitation {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, aborts handshakes still in progress, and closes all
// server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		s.mu.Lock()
		s.shutdown = true
		for conn := range s.pending {
			_ = conn.SetDeadline(time.Unix(1, 0))
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

// track registers an unanswered connection so Close can abort it.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		s.reportError(fmt.Errorf("generate handshake challenge nonce: %w", err))
		return
	}
	challenge, err := EncodeJSON(HandshakeChallenge{Type: TypeHandshakeChallenge, Nonce: nonce})
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, challenge); err != nil {
		s.reportError(fmt.Errorf("write handshake challenge: %w", err))
		return
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read handshake: %w", err))
		return
	}
	var handshake HandshakeMessage
	if err := decodeExpected(payload, TypeHandshake, &handshake); err != nil {
		s.sendError(conn, "unknown_type", err.Error())
		s.reportError(err)
		return
	}
	if handshake.ProtocolVersion != ProtocolVersion {
		s.writeError(conn, makeVersionMismatchError(handshake.ProtocolVersion))
		return
	}

	peer, err := verifyHandshake(handshake, nonce)
	if err != nil {
		s.sendError(conn, "invalid_handshake", err.Error())
		s.reportError(fmt.Errorf("verify handshake: %w", err))
		return
	}
	peer.Address = conn.RemoteAddr().String()

	exchange, err := newEphemeralExchange()
	if err != nil {
		s.reportError(err)
		return
	}
	sessionKey, err := exchange.sessionKey(handshake.X25519PublicKey, s.options.Identity.DeviceID, peer.DeviceID)
	if err != nil {
		s.reportError(err)
		return
	}
	response, err := buildHandshake(s.options.Identity, TypeHandshakeResponse, nonce, exchange.public)
	if err != nil {
		s.reportError(err)
		return
	}
	responsePayload, err := EncodeJSON(response)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, responsePayload); err != nil {
		s.reportError(fmt.Errorf("write handshake response: %w", err))
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}
	s.untrack(conn)

	pc, err := newPeerConnection(conn, sessionKey, s.options.connectionOptions(peer))
	if err != nil {
		s.reportError(err)
		return
	}
	closeConn = false

	ctx, cancel := context.WithTimeout(s.ctx, s.options.ConnectionTimeout)
	defer cancel()
	invitePayload, err := pc.ReceiveMessage(ctx)
	if err != nil {
		_ = pc.Close()
		s.reportError(fmt.Errorf("await invite from %s: %w", peer.DeviceID, err))
		return
	}
	if s.ctx.Err() != nil {
		_ = pc.Close()
		return
	}
	var request InviteRequest
	if err := decodeExpected(invitePayload, TypeInvite, &request); err != nil {
		_ = pc.Disconnect()
		s.reportError(err)
		return
	}

	select {
	case s.incoming <- &Invitation{Peer: peer, Request: request, conn: pc}:
	case <-s.closed:
		_ = pc.Close()
	}
}

func (s *Server) sendError(conn net.Conn, code, message string) {
	s.writeError(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) writeError(conn net.Conn, message ErrorMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	_ = WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
