package session

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"gopad/crypto"
	"gopad/discovery"
	"gopad/models"
	"gopad/network"
	"gopad/packet"
	"gopad/storage"
	"gopad/translate"
)

type fakeAdvertiser struct {
	mu     sync.Mutex
	starts int
	stops  int
	active bool
	port   int
}

func (a *fakeAdvertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		a.starts++
		a.active = true
	}
	return nil
}

func (a *fakeAdvertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		a.stops++
		a.active = false
	}
}

func (a *fakeAdvertiser) counts() (int, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.stops, a.active
}

type fakeScanner struct {
	mu       sync.Mutex
	peers    []models.Peer
	events   chan discovery.Event
	started  bool
	stopped  bool
	stopOnce sync.Once
}

func newFakeScanner(peers ...models.Peer) *fakeScanner {
	return &fakeScanner{peers: peers, events: make(chan discovery.Event, 16)}
}

func (s *fakeScanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeScanner) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.events)
	})
}

func (s *fakeScanner) Events() <-chan discovery.Event { return s.events }

func (s *fakeScanner) ListPeers() []models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Peer(nil), s.peers...)
}

func (s *fakeScanner) Lookup(deviceID string) (models.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range s.peers {
		if peer.DeviceID == deviceID {
			return peer, true
		}
	}
	return models.Peer{}, false
}

func (s *fakeScanner) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// scannerFactory hands out scripted scanners, one per discovery run.
type scannerFactory struct {
	mu      sync.Mutex
	peers   []models.Peer
	created []*fakeScanner
}

func (f *scannerFactory) setPeers(peers ...models.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = peers
}

func (f *scannerFactory) build(discovery.Config) (PeerSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scanner := newFakeScanner(f.peers...)
	f.created = append(f.created, scanner)
	return scanner, nil
}

func (f *scannerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *scannerFactory) latest() *fakeScanner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type fakeHistory struct {
	mu     sync.Mutex
	events []string
	peers  []string
}

func (h *fakeHistory) RecordPeerConnected(peer models.Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, peer.DeviceID)
	return nil
}

func (h *fakeHistory) RecordSessionEvent(eventType, _ string, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
	return nil
}

func (h *fakeHistory) has(eventType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev == eventType {
			return true
		}
	}
	return false
}

type inputLog struct {
	mu     sync.Mutex
	events []packet.InputEvent
}

func (l *inputLog) add(ev packet.InputEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *inputLog) snapshot() []packet.InputEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]packet.InputEvent(nil), l.events...)
}

func testIdentity(t *testing.T, deviceID, deviceName string) network.LocalIdentity {
	t.Helper()

	keys, err := crypto.NewEphemeralIdentity()
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}
	return network.LocalIdentity{DeviceID: deviceID, DeviceName: deviceName, Keys: keys}
}

func newTestHost(t *testing.T, opts Options) (*Manager, *fakeAdvertiser) {
	t.Helper()

	advertiser := &fakeAdvertiser{}
	if opts.Identity.DeviceID == "" {
		opts.Identity = testIdentity(t, "host-1", "Desk")
	}
	opts.ListenAddress = "127.0.0.1:0"
	opts.newAdvertiser = func(cfg discovery.Config) (discovery.Strategy, error) {
		advertiser.mu.Lock()
		advertiser.port = cfg.ListeningPort
		advertiser.mu.Unlock()
		return advertiser, nil
	}

	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager host failed: %v", err)
	}
	if err := manager.Start(models.RoleHost); err != nil {
		t.Fatalf("Start host failed: %v", err)
	}
	t.Cleanup(manager.Stop)
	return manager, advertiser
}

func newTestClient(t *testing.T, deviceID string, opts Options) (*Manager, *scannerFactory) {
	t.Helper()

	factory := &scannerFactory{}
	opts.Identity = testIdentity(t, deviceID, "Phone "+deviceID)
	opts.newScanner = factory.build

	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager client failed: %v", err)
	}
	t.Cleanup(manager.Stop)
	return manager, factory
}

func hostPeer(t *testing.T, host *Manager, advertiser *fakeAdvertiser) models.Peer {
	t.Helper()

	advertiser.mu.Lock()
	port := advertiser.port
	advertiser.mu.Unlock()
	if port == 0 {
		t.Fatalf("host advertiser has no port")
	}
	return models.Peer{
		DeviceID:   host.opts.Identity.DeviceID,
		DeviceName: host.opts.Identity.DeviceName,
		Role:       models.RoleHost,
		Port:       port,
		Addresses:  []string{"127.0.0.1"},
		FirstSeen:  time.Now(),
	}
}

func awaitInvite(t *testing.T, result <-chan InviteResult, timeout time.Duration) InviteResult {
	t.Helper()

	select {
	case res := <-result:
		return res
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for invite result")
	}
	return InviteResult{}
}

func connectPair(t *testing.T, host *Manager, advertiser *fakeAdvertiser, client *Manager, factory *scannerFactory) {
	t.Helper()

	factory.setPeers(hostPeer(t, host, advertiser))
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start client failed: %v", err)
	}
	res := awaitInvite(t, client.Invite(host.opts.Identity.DeviceID), 5*time.Second)
	if res.Err != nil {
		t.Fatalf("Invite failed: %v", res.Err)
	}
	waitForCondition(t, 3*time.Second, func() bool {
		return host.ConnectionState() == Connected
	})
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestNewManagerValidatesIdentity(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatalf("expected error for empty identity")
	}
	identity := testIdentity(t, "x", "X")
	identity.Keys.PrivateKey = nil
	if _, err := NewManager(Options{Identity: identity}); err == nil {
		t.Fatalf("expected error for missing private key")
	}
}

func TestStartIsIdempotentAndRoleIsFixed(t *testing.T) {
	client, factory := newTestClient(t, "phone-1", Options{})

	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if factory.count() != 1 {
		t.Fatalf("expected one scanner, got %d", factory.count())
	}
	if err := client.Start(models.RoleHost); !errors.Is(err, ErrRoleFixed) {
		t.Fatalf("expected ErrRoleFixed, got %v", err)
	}
	if err := client.Start("router"); err == nil {
		t.Fatalf("expected error for invalid role")
	}
	if client.State() != StateDiscovering {
		t.Fatalf("expected discovering state, got %s", client.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	client, factory := newTestClient(t, "phone-1", Options{})
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.Stop()
	first := client.Snapshot()
	client.Stop()
	second := client.Snapshot()

	for _, status := range []Status{first, second} {
		if status.State != StateIdle || status.ConnectionState != NotConnected || status.ConnectedPeer != nil {
			t.Fatalf("unexpected terminal status %+v", status)
		}
		if len(status.DiscoveredPeers) != 0 {
			t.Fatalf("expected no discovered peers after stop, got %v", status.DiscoveredPeers)
		}
	}
	if !factory.latest().isStopped() {
		t.Fatalf("expected scanner to be stopped")
	}

	res := awaitInvite(t, client.Invite("host-1"), time.Second)
	if !errors.Is(res.Err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", res.Err)
	}

	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if factory.count() != 2 {
		t.Fatalf("expected a fresh scanner on restart, got %d", factory.count())
	}
}

func TestSendWithoutPeerIsNoop(t *testing.T) {
	client, _ := newTestClient(t, "phone-1", Options{})
	client.Send(packet.Button(packet.KindButtonA, packet.EdgeDown, time.Now()))

	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	client.Send(packet.Joystick(packet.KindJoystickLeft, 0.3, 0.3, time.Now()))
	if client.ConnectionState() != NotConnected {
		t.Fatalf("expected not connected, got %s", client.ConnectionState())
	}
}

func TestInviteValidation(t *testing.T) {
	host, _ := newTestHost(t, Options{AutoAccept: true})
	res := awaitInvite(t, host.Invite("anyone"), time.Second)
	if !errors.Is(res.Err, ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", res.Err)
	}

	client, factory := newTestClient(t, "phone-1", Options{})
	factory.setPeers(models.Peer{DeviceID: "no-address", Role: models.RoleHost})
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res = awaitInvite(t, client.Invite("missing"), time.Second)
	if !errors.Is(res.Err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", res.Err)
	}
	res = awaitInvite(t, client.Invite("no-address"), time.Second)
	if !errors.Is(res.Err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer for peer without address, got %v", res.Err)
	}
	if client.State() != StateDiscovering {
		t.Fatalf("validation failures must not change state, got %s", client.State())
	}
}

func TestHostAndClientExchangeInputInOrder(t *testing.T) {
	received := &inputLog{}
	hostHistory := &fakeHistory{}
	host, advertiser := newTestHost(t, Options{AutoAccept: true, OnInput: received.add, History: hostHistory})

	clientHistory := &fakeHistory{}
	client, factory := newTestClient(t, "phone-1", Options{History: clientHistory})

	// Sent before any session exists; must never reach the host.
	client.Send(packet.Button(packet.KindButtonB, packet.EdgeDown, time.Now()))

	connectPair(t, host, advertiser, client, factory)

	if peer, ok := client.ConnectedPeer(); !ok || peer.DeviceID != "host-1" || peer.DeviceName != "Desk" {
		t.Fatalf("unexpected client connected peer %+v (%v)", peer, ok)
	}
	if peer, ok := host.ConnectedPeer(); !ok || peer.DeviceID != "phone-1" {
		t.Fatalf("unexpected host connected peer %+v (%v)", peer, ok)
	}
	if _, stops, active := advertiser.counts(); stops != 1 || active {
		t.Fatalf("expected host to stop advertising while connected")
	}
	if !factory.latest().isStopped() {
		t.Fatalf("expected client discovery to pause while connected")
	}

	const samples = 50
	base := time.Unix(1700000000, 0)
	for i := 0; i < samples; i++ {
		x := float32(i) / samples
		client.Send(packet.Joystick(packet.KindJoystickRight, x, -x, base.Add(time.Duration(i)*time.Millisecond)))
	}

	waitForCondition(t, 3*time.Second, func() bool {
		return len(received.snapshot()) == samples
	})
	events := received.snapshot()
	for i, ev := range events {
		if ev.Kind != packet.KindJoystickRight || ev.X != float32(i)/samples {
			t.Fatalf("event %d out of order or corrupted: %+v", i, ev)
		}
	}

	waitForCondition(t, time.Second, func() bool {
		return hostHistory.has(storage.SessionEventConnected) && clientHistory.has(storage.SessionEventConnected)
	})
}

func TestClientLinkLossResumesDiscovery(t *testing.T) {
	host, advertiser := newTestHost(t, Options{AutoAccept: true})

	var disconnected sync.WaitGroup
	disconnected.Add(1)
	client, factory := newTestClient(t, "phone-1", Options{
		OnDisconnected: func(peer models.Peer) {
			if peer.DeviceID != "host-1" {
				t.Errorf("unexpected disconnected peer %+v", peer)
			}
			disconnected.Done()
		},
	})
	connectPair(t, host, advertiser, client, factory)

	// The next discovery run sees nothing until the host advertises again.
	factory.setPeers()
	host.Stop()

	waitForCondition(t, 5*time.Second, func() bool {
		return client.State() == StateDiscovering
	})
	disconnected.Wait()

	if factory.count() != 2 {
		t.Fatalf("expected a fresh scanner after link loss, got %d", factory.count())
	}
	if peers := client.DiscoveredPeers(); len(peers) != 0 {
		t.Fatalf("expected cleared peer list, got %v", peers)
	}
	if _, ok := client.ConnectedPeer(); ok {
		t.Fatalf("expected no connected peer after link loss")
	}
	client.Send(packet.Button(packet.KindButtonA, packet.EdgeDown, time.Now()))
}

func TestHostLinkLossReleasesKeysBeforeReadvertising(t *testing.T) {
	sink := &recordingSink{}
	engine := translate.NewEngine(sink, translate.Config{})

	var advertiser *fakeAdvertiser
	startsAtRelease := make(chan int, 1)
	host, advertiser := newTestHost(t, Options{
		AutoAccept: true,
		OnInput:    engine.Handle,
		OnDisconnected: func(models.Peer) {
			engine.ReleaseAll()
			starts, _, _ := advertiser.counts()
			startsAtRelease <- starts
		},
	})
	client, factory := newTestClient(t, "phone-1", Options{})
	connectPair(t, host, advertiser, client, factory)

	client.Send(packet.Button(packet.KindDPadUp, packet.EdgeDown, time.Now()))
	client.Send(packet.Button(packet.KindButtonA, packet.EdgeDown, time.Now()))
	waitForCondition(t, 3*time.Second, func() bool {
		return len(engine.Held()) == 2
	})

	client.Stop()

	select {
	case starts := <-startsAtRelease:
		if starts != 1 {
			t.Fatalf("keys must be released before advertising resumes, starts=%d", starts)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("host never observed the disconnect")
	}

	ups := sink.keyUps()
	if len(ups) != 2 {
		t.Fatalf("expected exactly two key-ups, got %v", ups)
	}
	waitForCondition(t, 3*time.Second, func() bool {
		starts, _, active := advertiser.counts()
		return starts == 2 && active && host.State() == StateAdvertising
	})
}

func TestHostRejectsWhenAutoAcceptDisabled(t *testing.T) {
	hostHistory := &fakeHistory{}
	host, advertiser := newTestHost(t, Options{AutoAccept: false, History: hostHistory})

	clientHistory := &fakeHistory{}
	client, factory := newTestClient(t, "phone-1", Options{History: clientHistory})
	factory.setPeers(hostPeer(t, host, advertiser))
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start client failed: %v", err)
	}

	res := awaitInvite(t, client.Invite("host-1"), 5*time.Second)
	if !errors.Is(res.Err, ErrInviteRejected) {
		t.Fatalf("expected ErrInviteRejected, got %v", res.Err)
	}
	if !errors.Is(res.Err, network.ErrInviteRejected) {
		t.Fatalf("expected transport cause to be preserved, got %v", res.Err)
	}
	if client.State() != StateDiscovering {
		t.Fatalf("expected client back to discovering, got %s", client.State())
	}
	if !clientHistory.has(storage.SessionEventInviteRejected) {
		t.Fatalf("expected client history to record the rejection")
	}
	waitForCondition(t, time.Second, func() bool {
		return hostHistory.has(storage.SessionEventInviteRejected)
	})
}

func TestHostApproveInviteHook(t *testing.T) {
	var asked sync.WaitGroup
	asked.Add(1)
	host, advertiser := newTestHost(t, Options{
		AutoAccept: false,
		ApproveInvite: func(peer network.PeerInfo) bool {
			defer asked.Done()
			return peer.DeviceID == "phone-1"
		},
	})
	client, factory := newTestClient(t, "phone-1", Options{})
	connectPair(t, host, advertiser, client, factory)
	asked.Wait()
}

func TestHostRejectsSecondClientWhileBusy(t *testing.T) {
	host, advertiser := newTestHost(t, Options{AutoAccept: true})
	first, firstFactory := newTestClient(t, "phone-1", Options{})
	connectPair(t, host, advertiser, first, firstFactory)

	second, secondFactory := newTestClient(t, "phone-2", Options{})
	secondFactory.setPeers(hostPeer(t, host, advertiser))
	if err := second.Start(models.RoleClient); err != nil {
		t.Fatalf("Start second client failed: %v", err)
	}
	res := awaitInvite(t, second.Invite("host-1"), 5*time.Second)
	if !errors.Is(res.Err, ErrInviteRejected) {
		t.Fatalf("expected busy rejection, got %v", res.Err)
	}
	if peer, ok := host.ConnectedPeer(); !ok || peer.DeviceID != "phone-1" {
		t.Fatalf("first session must survive, got %+v (%v)", peer, ok)
	}

	res = awaitInvite(t, first.Invite("host-1"), time.Second)
	if !errors.Is(res.Err, ErrBusy) {
		t.Fatalf("expected ErrBusy for invite while connected, got %v", res.Err)
	}
}

// silentHost accepts TCP connections and never speaks.
func silentHost(t *testing.T) models.Peer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	return models.Peer{
		DeviceID:  "silent-host",
		Role:      models.RoleHost,
		Port:      listener.Addr().(*net.TCPAddr).Port,
		Addresses: []string{"127.0.0.1"},
	}
}

func TestInviteTimesOut(t *testing.T) {
	history := &fakeHistory{}
	client, factory := newTestClient(t, "phone-1", Options{InviteTimeout: 200 * time.Millisecond, History: history})
	factory.setPeers(silentHost(t))
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := client.Invite("silent-host")
	if client.ConnectionState() != Connecting {
		t.Fatalf("expected connecting while invite is pending, got %s", client.ConnectionState())
	}
	again := awaitInvite(t, client.Invite("silent-host"), time.Second)
	if !errors.Is(again.Err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent invite, got %v", again.Err)
	}

	res := awaitInvite(t, result, 3*time.Second)
	if !errors.Is(res.Err, ErrInviteTimeout) {
		t.Fatalf("expected ErrInviteTimeout, got %v", res.Err)
	}
	if client.State() != StateDiscovering {
		t.Fatalf("expected discovering after timeout, got %s", client.State())
	}
	if !history.has(storage.SessionEventInviteFailed) {
		t.Fatalf("expected invite_failed history entry")
	}
}

func TestStopCancelsPendingInvite(t *testing.T) {
	client, factory := newTestClient(t, "phone-1", Options{InviteTimeout: 10 * time.Second})
	factory.setPeers(silentHost(t))
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := client.Invite("silent-host")
	time.Sleep(50 * time.Millisecond)
	client.Stop()

	res := awaitInvite(t, result, 3*time.Second)
	if !errors.Is(res.Err, ErrInviteCancelled) {
		t.Fatalf("expected ErrInviteCancelled, got %v", res.Err)
	}
	if client.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", client.State())
	}
}

func TestDispatchDropsUndecodableInput(t *testing.T) {
	received := &inputLog{}
	m := &Manager{opts: Options{OnInput: received.add}}

	good, err := packet.Encode(packet.Button(packet.KindButtonX, packet.EdgeDown, time.Now()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	payload := func(event []byte) []byte {
		raw, err := json.Marshal(network.InputMessage{Type: network.TypeInput, Event: event})
		if err != nil {
			t.Fatalf("marshal input message: %v", err)
		}
		return raw
	}

	m.dispatch([]byte("not json"))
	m.dispatch([]byte(`{"type":"mystery"}`))
	m.dispatch(payload([]byte{1, 99, 1}))
	m.dispatch(payload(good[:5]))
	m.dispatch(payload(good))

	events := received.snapshot()
	if len(events) != 1 || events[0].Kind != packet.KindButtonX {
		t.Fatalf("expected only the valid event to be delivered, got %v", events)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) KeyDown(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "down:"+key)
	return nil
}

func (s *recordingSink) KeyUp(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "up:"+key)
	return nil
}

func (s *recordingSink) PointerPosition() (float64, float64, error) { return 0, 0, nil }

func (s *recordingSink) PointerMoveAbsolute(float64, float64) error { return nil }

func (s *recordingSink) keyUps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ups []string
	for _, call := range s.calls {
		if len(call) > 3 && call[:3] == "up:" {
			ups = append(ups, call)
		}
	}
	return ups
}

func TestStopTwiceOnConnectedHostReleasesHeldKeysOnce(t *testing.T) {
	sink := &recordingSink{}
	engine := translate.NewEngine(sink, translate.Config{})
	host, advertiser := newTestHost(t, Options{
		AutoAccept:     true,
		OnInput:        engine.Handle,
		OnDisconnected: func(models.Peer) { engine.ReleaseAll() },
	})
	client, factory := newTestClient(t, "phone-1", Options{})
	connectPair(t, host, advertiser, client, factory)

	client.Send(packet.Button(packet.KindDPadUp, packet.EdgeDown, time.Now()))
	client.Send(packet.Button(packet.KindButtonA, packet.EdgeDown, time.Now()))
	waitForCondition(t, 3*time.Second, func() bool {
		return len(engine.Held()) == 2
	})

	host.Stop()
	host.Stop()

	ups := sink.keyUps()
	if len(ups) != 2 {
		t.Fatalf("expected exactly two key-ups across both stops, got %v", ups)
	}
	released := map[string]bool{}
	for _, up := range ups {
		released[up] = true
	}
	if !released["up:up"] || !released["up:space"] {
		t.Fatalf("expected up and space to be released, got %v", ups)
	}
	if held := engine.Held(); len(held) != 0 {
		t.Fatalf("expected no held keys after stop, got %v", held)
	}
	status := host.Snapshot()
	if status.State != StateIdle || status.ConnectedPeer != nil || status.ConnectionState != NotConnected {
		t.Fatalf("expected idle host without peer, got %+v", status)
	}
}

func TestConnectedClientReportsNoDiscoveredPeers(t *testing.T) {
	host, advertiser := newTestHost(t, Options{AutoAccept: true})
	client, factory := newTestClient(t, "phone-1", Options{})

	factory.setPeers(hostPeer(t, host, advertiser))
	if err := client.Start(models.RoleClient); err != nil {
		t.Fatalf("Start client failed: %v", err)
	}
	waitForCondition(t, 3*time.Second, func() bool {
		return len(client.DiscoveredPeers()) == 1
	})
	if res := awaitInvite(t, client.Invite("host-1"), 5*time.Second); res.Err != nil {
		t.Fatalf("Invite failed: %v", res.Err)
	}

	if !factory.latest().isStopped() {
		t.Fatalf("expected discovery to pause while connected")
	}
	if peers := client.DiscoveredPeers(); len(peers) != 0 {
		t.Fatalf("expected no discovered peers while connected, got %v", peers)
	}
	if peers := client.Snapshot().DiscoveredPeers; len(peers) != 0 {
		t.Fatalf("expected empty snapshot peer list while connected, got %v", peers)
	}
}

func TestHostStopIsNotHeldUpBySilentConnection(t *testing.T) {
	host, advertiser := newTestHost(t, Options{AutoAccept: true})
	peer := hostPeer(t, host, advertiser)
	address, ok := peer.DialAddress()
	if !ok {
		t.Fatalf("host peer has no dial address")
	}

	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := network.ReadFrame(conn); err != nil {
		t.Fatalf("read challenge: %v", err)
	}

	start := time.Now()
	host.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %s with a silent connection open", elapsed)
	}
	if host.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", host.State())
	}
}
