package session

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"gopad/discovery"
	"gopad/models"
	"gopad/network"
	"gopad/packet"
	"gopad/storage"
)

// Manager owns discovery and the lifecycle of at most one peer link.
type Manager struct {
	opts Options

	// runMu serializes Start and Stop.
	runMu sync.Mutex

	mu      sync.Mutex
	role    models.Role
	started bool
	state   State
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc

	server     *network.Server
	advertiser discovery.Strategy
	scanner    PeerSource

	link         Link
	peer         models.Peer
	serveDone    chan struct{}
	inviteCancel context.CancelFunc

	wg     sync.WaitGroup
	events chan Event
}

// NewManager validates options and returns an idle manager.
func NewManager(options Options) (*Manager, error) {
	if options.Identity.DeviceID == "" {
		return nil, errors.New("identity.device_id is required")
	}
	if options.Identity.DeviceName == "" {
		return nil, errors.New("identity.device_name is required")
	}
	if len(options.Identity.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("identity.keys.private_key is invalid")
	}

	return &Manager{
		opts:   options.withDefaults(),
		state:  StateIdle,
		events: make(chan Event, eventBuffer),
	}, nil
}

// Start arms discovery for role: the host listens and advertises, the client
// scans. Calling Start while started is a no-op. The first successful role is
// kept for the lifetime of the manager.
func (m *Manager) Start(role models.Role) error {
	if role != models.RoleHost && role != models.RoleClient {
		return fmt.Errorf("session: invalid role %q", role)
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role != "" && m.role != role {
		return ErrRoleFixed
	}
	if m.started {
		return nil
	}

	prevRole := m.role
	m.role = role
	m.gen++
	m.ctx, m.cancel = context.WithCancel(context.Background())

	var err error
	if role == models.RoleHost {
		err = m.startHostLocked()
	} else {
		err = m.armScannerLocked()
	}
	if err != nil {
		m.cancel()
		m.role = prevRole
		return err
	}

	m.started = true
	log.Printf("session: started role=%s device=%s", role, m.opts.Identity.DeviceID)
	return nil
}

// Stop halts discovery and ends any session. It is safe to call in any state.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.gen++
	m.cancel()
	if m.inviteCancel != nil {
		m.inviteCancel()
		m.inviteCancel = nil
	}

	link, peer, serveDone := m.link, m.peer, m.serveDone
	server, advertiser, scanner := m.server, m.advertiser, m.scanner
	m.link, m.peer, m.serveDone = nil, models.Peer{}, nil
	m.server, m.advertiser, m.scanner = nil, nil, nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if advertiser != nil {
		advertiser.Stop()
	}
	if scanner != nil {
		scanner.Stop()
	}
	if server != nil {
		_ = server.Close()
	}
	if link != nil {
		_ = link.Disconnect()
		<-serveDone
		m.endSession(peer, "stopped")
	}

	m.wg.Wait()
	log.Printf("session: stopped")
}

// Invite asks a discovered host for a session. It never blocks; the result
// arrives on the returned channel, which receives exactly one value.
func (m *Manager) Invite(peerID string) <-chan InviteResult {
	result := make(chan InviteResult, 1)
	fail := func(err error) <-chan InviteResult {
		result <- InviteResult{Err: err}
		return result
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.started:
		return fail(ErrNotStarted)
	case m.role != models.RoleClient:
		return fail(ErrWrongRole)
	case m.link != nil || m.state == StateConnecting || m.state == StateDisconnecting:
		return fail(ErrBusy)
	case m.scanner == nil:
		return fail(ErrNotStarted)
	}

	peer, ok := m.scanner.Lookup(peerID)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrUnknownPeer, peerID))
	}
	address, ok := peer.DialAddress()
	if !ok {
		return fail(fmt.Errorf("%w: %s has no reachable address", ErrUnknownPeer, peerID))
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.InviteTimeout)
	m.inviteCancel = cancel
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.runInvite(ctx, cancel, peer, address, m.gen, result)
	return result
}

// Send encodes ev and queues it for the connected peer. With no peer, or a
// full outbound queue, the event is dropped.
func (m *Manager) Send(ev packet.InputEvent) {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return
	}

	data, err := packet.Encode(ev)
	if err != nil {
		log.Printf("session: dropping invalid input event=%s err=%v", ev, err)
		return
	}
	link.SendInput(data)
}

// Role returns the role of the first successful Start.
func (m *Manager) Role() models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionState returns the coarse link state.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.connectionState()
}

// DiscoveredPeers returns hosts found by the current discovery run, oldest first.
func (m *Manager) DiscoveredPeers() []models.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoveredLocked()
}

// ConnectedPeer returns the peer of the active session.
func (m *Manager) ConnectedPeer() (models.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return models.Peer{}, false
	}
	return m.peer, true
}

// Snapshot returns all observable state read under one lock.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Role:            m.role,
		State:           m.state,
		ConnectionState: m.state.connectionState(),
		DiscoveredPeers: m.discoveredLocked(),
	}
	if m.link != nil {
		peer := m.peer
		status.ConnectedPeer = &peer
		status.Dropped = m.link.Dropped()
	}
	return status
}

// Events delivers state notifications. Delivery is best effort and the
// channel is never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// discoveredLocked is empty while a session is active because discovery is
// paused and its last results are stale.
func (m *Manager) discoveredLocked() []models.Peer {
	if m.scanner == nil || m.link != nil {
		return []models.Peer{}
	}
	return m.scanner.ListPeers()
}

func (m *Manager) startHostLocked() error {
	server, err := network.Listen(m.opts.ListenAddress, m.handshakeOptions())
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	cfg := m.discoveryConfig()
	cfg.ListeningPort = server.Port()
	advertiser, err := m.opts.newAdvertiser(cfg)
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("session: create advertiser: %w", err)
	}
	if err := advertiser.Start(); err != nil {
		_ = server.Close()
		return fmt.Errorf("session: start advertiser: %w", err)
	}

	m.server = server
	m.advertiser = advertiser
	m.wg.Add(1)
	go m.serverLoop(server, m.gen)

	log.Printf("session: advertising port=%d", server.Port())
	m.setStateLocked(StateAdvertising)
	return nil
}

// armScannerLocked starts a fresh scanner so each discovery run begins with
// an empty peer list.
func (m *Manager) armScannerLocked() error {
	scanner, err := m.opts.newScanner(m.discoveryConfig())
	if err != nil {
		return fmt.Errorf("session: create scanner: %w", err)
	}
	if err := scanner.Start(); err != nil {
		return fmt.Errorf("session: start scanner: %w", err)
	}

	m.scanner = scanner
	m.wg.Add(1)
	go m.watchScanner(scanner)

	m.setStateLocked(StateDiscovering)
	m.emit(Event{Type: EventPeersChanged, State: StateDiscovering})
	return nil
}

func (m *Manager) rearmLocked() error {
	if m.role == models.RoleHost {
		if m.advertiser == nil {
			return errors.New("session: advertiser missing")
		}
		if err := m.advertiser.Start(); err != nil {
			return fmt.Errorf("session: restart advertiser: %w", err)
		}
		m.setStateLocked(StateAdvertising)
		return nil
	}
	return m.armScannerLocked()
}

func (m *Manager) serverLoop(server *network.Server, gen uint64) {
	defer m.wg.Done()
	for {
		select {
		case inv, ok := <-server.Incoming():
			if !ok {
				return
			}
			m.handleInvitation(inv, gen)
		case err, ok := <-server.Errors():
			if !ok {
				return
			}
			log.Printf("session: inbound connection failed err=%v", err)
		}
	}
}

func (m *Manager) handleInvitation(inv *network.Invitation, gen uint64) {
	peer := peerFromInfo(inv.Peer)

	if !m.opts.AutoAccept && (m.opts.ApproveInvite == nil || !m.opts.ApproveInvite(inv.Peer)) {
		inv.Reject("invitation declined")
		log.Printf("session: invitation declined peer=%s", peer.DeviceID)
		m.record(storage.SessionEventInviteRejected, peer.DeviceID, map[string]any{"reason": "declined"})
		return
	}

	m.mu.Lock()
	if gen != m.gen || !m.started {
		m.mu.Unlock()
		inv.Reject("host stopping")
		return
	}
	if m.link != nil || m.state != StateAdvertising {
		m.mu.Unlock()
		inv.Reject("host busy")
		log.Printf("session: invitation rejected peer=%s reason=busy", peer.DeviceID)
		m.record(storage.SessionEventInviteRejected, peer.DeviceID, map[string]any{"reason": "busy"})
		return
	}
	m.setStateLocked(StateConnecting)
	ctx := m.ctx
	m.mu.Unlock()

	conn, err := inv.Accept(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen && m.state == StateConnecting {
			m.setStateLocked(StateAdvertising)
		}
		m.mu.Unlock()
		log.Printf("session: accept failed peer=%s err=%v", peer.DeviceID, err)
		m.record(storage.SessionEventInviteFailed, peer.DeviceID, map[string]any{"reason": err.Error()})
		return
	}
	m.attach(conn, gen)
}

func (m *Manager) runInvite(ctx context.Context, cancel context.CancelFunc, peer models.Peer, address string, gen uint64, result chan<- InviteResult) {
	defer m.wg.Done()
	defer cancel()

	log.Printf("session: inviting host peer=%s address=%s", peer.DeviceID, address)
	conn, err := network.Dial(ctx, address, m.handshakeOptions())
	if err == nil {
		if got := conn.Peer().DeviceID; got != peer.DeviceID {
			_ = conn.Disconnect()
			err = fmt.Errorf("session: host identified as %q, expected %q", got, peer.DeviceID)
		} else if connected, ok := m.attach(conn, gen); ok {
			result <- InviteResult{Peer: connected}
			return
		} else {
			err = ErrInviteCancelled
		}
	}

	err = classifyInviteError(ctx, err)

	m.mu.Lock()
	if gen == m.gen && m.started && m.state == StateConnecting {
		m.inviteCancel = nil
		m.setStateLocked(StateDiscovering)
	}
	m.mu.Unlock()

	log.Printf("session: invite failed peer=%s err=%v", peer.DeviceID, err)
	eventType := storage.SessionEventInviteFailed
	if errors.Is(err, ErrInviteRejected) {
		eventType = storage.SessionEventInviteRejected
	}
	m.record(eventType, peer.DeviceID, map[string]any{"reason": err.Error()})
	m.emit(Event{Type: EventInviteFailed, Peer: peer, Err: err})
	result <- InviteResult{Peer: peer, Err: err}
}

func classifyInviteError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrInviteCancelled):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrInviteTimeout
	case ctx.Err() != nil:
		return ErrInviteCancelled
	case errors.Is(err, network.ErrInviteRejected):
		return fmt.Errorf("%w: %w", ErrInviteRejected, err)
	default:
		return fmt.Errorf("session: invite failed: %w", err)
	}
}

// attach installs link as the active session. It fails when the manager was
// stopped or restarted since the link was requested.
func (m *Manager) attach(link Link, gen uint64) (models.Peer, bool) {
	peer := peerFromInfo(link.Peer())

	m.mu.Lock()
	if gen != m.gen || !m.started {
		m.mu.Unlock()
		_ = link.Disconnect()
		return models.Peer{}, false
	}

	m.link = link
	m.peer = peer
	m.inviteCancel = nil
	m.serveDone = make(chan struct{})
	if m.role == models.RoleHost && m.advertiser != nil {
		m.advertiser.Stop()
	}
	if m.role == models.RoleClient && m.scanner != nil {
		m.scanner.Stop()
	}
	m.setStateLocked(StateConnected)

	m.wg.Add(1)
	go m.serve(m.ctx, link, gen, m.serveDone)
	m.mu.Unlock()

	log.Printf("session: connected peer=%s name=%q role=%s", peer.DeviceID, peer.DeviceName, peer.Role)
	m.emit(Event{Type: EventConnected, State: StateConnected, Peer: peer})
	if m.opts.History != nil {
		if err := m.opts.History.RecordPeerConnected(peer); err != nil {
			log.Printf("session: record peer failed peer=%s err=%v", peer.DeviceID, err)
		}
	}
	m.record(storage.SessionEventConnected, peer.DeviceID, map[string]any{
		"peer_name": peer.DeviceName,
		"role":      string(peer.Role),
	})
	return peer, true
}

// serve dispatches inbound messages of one link from a single goroutine, so
// OnInput observes arrival order.
func (m *Manager) serve(ctx context.Context, link Link, gen uint64, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	for {
		payload, err := link.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.linkLost(link, gen, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.dispatch(payload)
	}
}

func (m *Manager) dispatch(payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		log.Printf("session: dropping malformed message err=%v", err)
		return
	}
	if msgType != network.TypeInput {
		log.Printf("session: ignoring message type=%s", msgType)
		return
	}

	var msg network.InputMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("session: dropping malformed input message err=%v", err)
		return
	}
	ev, err := packet.Decode(msg.Event)
	if err != nil {
		log.Printf("session: dropping undecodable input err=%v", err)
		return
	}
	if m.opts.OnInput != nil {
		m.opts.OnInput(ev)
	}
}

func (m *Manager) linkLost(link Link, gen uint64, cause error) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	m.link, m.peer, m.serveDone = nil, models.Peer{}, nil
	m.setStateLocked(StateDisconnecting)
	m.mu.Unlock()

	reason := "peer disconnected"
	if cause != nil && !errors.Is(cause, io.EOF) {
		reason = cause.Error()
	}
	m.endSession(peer, reason)
	m.emit(Event{Type: EventLinkLost, State: StateDisconnecting, Peer: peer, Err: cause})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.started || m.link != nil {
		return
	}
	if err := m.rearmLocked(); err != nil {
		log.Printf("session: re-arm discovery failed err=%v", err)
		m.setStateLocked(StateIdle)
	}
}

// endSession runs teardown hooks for a session that is already detached.
func (m *Manager) endSession(peer models.Peer, reason string) {
	log.Printf("session: disconnected peer=%s reason=%q", peer.DeviceID, reason)
	if m.opts.OnDisconnected != nil {
		m.opts.OnDisconnected(peer)
	}
	m.record(storage.SessionEventDisconnected, peer.DeviceID, map[string]any{"reason": reason})
}

func (m *Manager) watchScanner(scanner PeerSource) {
	defer m.wg.Done()
	for ev := range scanner.Events() {
		m.emit(Event{Type: EventPeersChanged, Peer: ev.Peer})
	}
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.emit(Event{Type: EventStateChanged, State: state})
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *Manager) record(eventType, peerID string, details map[string]any) {
	if m.opts.History == nil {
		return
	}
	if err := m.opts.History.RecordSessionEvent(eventType, peerID, details); err != nil {
		log.Printf("session: record history failed type=%s err=%v", eventType, err)
	}
}

func (m *Manager) handshakeOptions() network.HandshakeOptions {
	opts := m.opts.Transport
	opts.Identity = m.opts.Identity
	opts.Identity.Role = string(m.role)
	return opts
}

func (m *Manager) discoveryConfig() discovery.Config {
	cfg := m.opts.Discovery
	cfg.SelfDeviceID = m.opts.Identity.DeviceID
	cfg.DeviceName = m.opts.Identity.DeviceName
	cfg.KeyFingerprint = m.opts.Identity.Keys.Fingerprint
	cfg.Role = m.role
	return cfg
}
