package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"gopad/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer stops advertising.
	EventPeerRemoved EventType = "peer_removed"
)

// ErrScannerStopped is returned by Refresh after Stop.
var ErrScannerStopped = errors.New("discovery: peer scanner is stopped")

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for session consumers.
type Event struct {
	Type EventType
	Peer models.Peer
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses for hosts in periodic windows. A peer missing from a
// completed window is considered gone. One scanner serves one discovery run;
// a new run gets a new scanner and therefore an empty list.
type PeerScanner struct {
	cfg Config

	browse browseFunc
	now    func() time.Time

	mu    sync.RWMutex
	peers map[string]models.Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		now:             time.Now,
		peers:           make(map[string]models.Peer),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Delivery is best effort.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs an immediate browse window and waits for it to finish.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns discovered hosts in the order they were first seen.
func (s *PeerScanner) ListPeers() []models.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Lookup returns a discovered peer by device id.
func (s *PeerScanner) Lookup(deviceID string) (models.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	return peer, ok
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(nil)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(nil)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		stop := context.AfterFunc(requestCtx, cancel)
		defer stop()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Peer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = s.now()
				collected[peer.DeviceID] = peer
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A window cut short by Stop says nothing about which peers are gone.
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(collected)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]models.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	for id, peer := range next {
		old, exists := previous[id]
		if exists {
			peer.FirstSeen = old.FirstSeen
		} else {
			peer.FirstSeen = peer.LastSeen
		}
		next[id] = peer
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
	s.peers = next
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return models.Peer{}, false
	}
	role := models.RoleHost
	if raw := txt["role"]; raw != "" {
		parsed, err := models.ParseRole(raw)
		if err != nil || parsed != models.RoleHost {
			return models.Peer{}, false
		}
	}

	version := 0
	if parsed, err := strconv.Atoi(txt["version"]); err == nil {
		version = parsed
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return models.Peer{
		DeviceID:       deviceID,
		DeviceName:     name,
		Role:           role,
		KeyFingerprint: txt["key_fingerprint"],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b models.Peer) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
