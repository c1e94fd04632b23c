package session

import (
	"context"
	"errors"
	"time"

	"gopad/discovery"
	"gopad/models"
	"gopad/network"
	"gopad/packet"
)

const (
	// DefaultInviteTimeout bounds a client invite from dial to host answer.
	DefaultInviteTimeout = 10 * time.Second

	eventBuffer = 64
)

var (
	// ErrNotStarted is returned by operations that need a started manager.
	ErrNotStarted = errors.New("session: not started")
	// ErrWrongRole is returned when the operation belongs to the other role.
	ErrWrongRole = errors.New("session: operation not available for this role")
	// ErrRoleFixed is returned when Start asks for a role other than the first one.
	ErrRoleFixed = errors.New("session: role is fixed for the process lifetime")
	// ErrUnknownPeer indicates an invite for a peer discovery has not reported.
	ErrUnknownPeer = errors.New("session: unknown peer")
	// ErrBusy indicates a session is already active or an invite is in flight.
	ErrBusy = errors.New("session: a session is already active or pending")
	// ErrInviteTimeout indicates the host did not answer within the invite timeout.
	ErrInviteTimeout = errors.New("session: invite timed out")
	// ErrInviteCancelled indicates Stop ran while the invite was pending.
	ErrInviteCancelled = errors.New("session: invite cancelled")
	// ErrInviteRejected indicates the host declined the invitation.
	ErrInviteRejected = errors.New("session: invite rejected")
)

// State is the manager lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateAdvertising   State = "advertising"
	StateDiscovering   State = "discovering"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// ConnectionState is the coarse link state shown to users.
type ConnectionState string

const (
	NotConnected ConnectionState = "not_connected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

func (s State) connectionState() ConnectionState {
	switch s {
	case StateConnected:
		return Connected
	case StateConnecting:
		return Connecting
	default:
		return NotConnected
	}
}

// EventType identifies a manager notification.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventPeersChanged EventType = "peers_changed"
	EventConnected    EventType = "connected"
	EventLinkLost     EventType = "link_lost"
	EventInviteFailed EventType = "invite_failed"
)

// Event is a best-effort notification for observers.
type Event struct {
	Type  EventType
	State State
	Peer  models.Peer
	Err   error
}

// InviteResult resolves an Invite.
type InviteResult struct {
	Peer models.Peer
	Err  error
}

// Status is a consistent snapshot of observable state.
type Status struct {
	Role            models.Role     `json:"role"`
	State           State           `json:"state"`
	ConnectionState ConnectionState `json:"connection_state"`
	ConnectedPeer   *models.Peer    `json:"connected_peer,omitempty"`
	DiscoveredPeers []models.Peer   `json:"discovered_peers"`
	Dropped         uint64          `json:"dropped"`
}

// History persists connection history. *storage.Store implements it.
type History interface {
	RecordPeerConnected(peer models.Peer) error
	RecordSessionEvent(eventType, peerDeviceID string, details map[string]any) error
}

// PeerSource is the client discovery strategy.
type PeerSource interface {
	discovery.Strategy
	Events() <-chan discovery.Event
	ListPeers() []models.Peer
	Lookup(deviceID string) (models.Peer, bool)
}

// Link is an established session transport. *network.PeerConnection implements it.
type Link interface {
	Peer() network.PeerInfo
	SendInput(event []byte) bool
	ReceiveMessage(ctx context.Context) ([]byte, error)
	Done() <-chan struct{}
	Dropped() uint64
	Disconnect() error
}

// Options configures a Manager.
type Options struct {
	Identity network.LocalIdentity

	// ListenAddress is the host TCP listen address. Empty picks a free port.
	ListenAddress string
	// AutoAccept accepts every inbound invitation while no session is active.
	AutoAccept bool
	// ApproveInvite decides invitations when AutoAccept is off. Nil rejects.
	ApproveInvite func(peer network.PeerInfo) bool
	InviteTimeout time.Duration

	// Discovery carries service and timing settings. Identity fields are filled in.
	Discovery discovery.Config
	// Transport carries keep-alive and queue settings. Identity is filled in.
	Transport network.HandshakeOptions

	History History

	// OnInput receives decoded inbound events in arrival order from one goroutine.
	OnInput func(packet.InputEvent)
	// OnDisconnected runs after a session ends and before discovery is re-armed.
	OnDisconnected func(peer models.Peer)

	newAdvertiser func(discovery.Config) (discovery.Strategy, error)
	newScanner    func(discovery.Config) (PeerSource, error)
}

func (o Options) withDefaults() Options {
	out := o
	if out.InviteTimeout <= 0 {
		out.InviteTimeout = DefaultInviteTimeout
	}
	if out.newAdvertiser == nil {
		out.newAdvertiser = func(cfg discovery.Config) (discovery.Strategy, error) {
			advertiser, err := discovery.NewAdvertiser(cfg)
			if err != nil {
				return nil, err
			}
			return advertiser, nil
		}
	}
	if out.newScanner == nil {
		out.newScanner = func(cfg discovery.Config) (PeerSource, error) {
			scanner, err := discovery.NewPeerScanner(cfg)
			if err != nil {
				return nil, err
			}
			return scanner, nil
		}
	}
	return out
}

func peerFromInfo(info network.PeerInfo) models.Peer {
	now := time.Now()
	return models.Peer{
		DeviceID:       info.DeviceID,
		DeviceName:     info.DeviceName,
		Role:           models.Role(info.Role),
		KeyFingerprint: info.Fingerprint,
		Addresses:      []string{info.Address},
		FirstSeen:      now,
		LastSeen:       now,
	}
}
