package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"gopad/models"
)

const (
	// DefaultService is the compiled-in mDNS service type shared by host and client.
	DefaultService = "_gopad._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 4 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Strategy is one side of discovery: advertising on the host, scanning on the client.
type Strategy interface {
	Start() error
	Stop()
}

// Config controls advertiser and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID   string
	DeviceName     string
	Role           models.Role
	ListeningPort  int
	KeyFingerprint string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Role == "" {
		out.Role = models.RoleHost
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		"device_id=" + c.SelfDeviceID,
		"version=" + strconv.Itoa(c.Version),
		"key_fingerprint=" + c.KeyFingerprint,
		"role=" + string(c.Role),
	}
}

// Advertiser publishes the host under the service type so clients can find it.
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server
	active bool
}

// NewAdvertiser validates config and returns an idle advertiser.
func NewAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}
	return &Advertiser{cfg: cfg}, nil
}

// Start registers the mDNS service. Calling Start while active is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return nil
	}
	server, err := a.cfg.registerFn(a.cfg.DeviceName, a.cfg.Service, a.cfg.Domain, a.cfg.ListeningPort, a.cfg.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server
	a.active = true
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return
	}
	if a.server != nil {
		a.server.Shutdown()
	}
	a.server = nil
	a.active = false
}

// Active reports whether the service is currently registered.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
