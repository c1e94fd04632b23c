package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Role selects which side of the link a process plays.
type Role string

const (
	// RoleHost receives input and drives the local keyboard and pointer.
	RoleHost Role = "host"
	// RoleClient is the handheld controller.
	RoleClient Role = "client"
)

// ParseRole accepts "host" or "client", case-insensitively.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleHost:
		return RoleHost, nil
	case RoleClient:
		return RoleClient, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Peer represents a discovered or connected remote device.
type Peer struct {
	DeviceID       string    `json:"device_id"`
	DeviceName     string    `json:"device_name"`
	Role           Role      `json:"role,omitempty"`
	KeyFingerprint string    `json:"key_fingerprint,omitempty"`
	Version        int       `json:"version,omitempty"`
	HostName       string    `json:"host_name,omitempty"`
	Port           int       `json:"port,omitempty"`
	Addresses      []string  `json:"addresses,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// DialAddress returns host:port for the first advertised address, preferring IPv4.
func (p Peer) DialAddress() (string, bool) {
	if p.Port <= 0 {
		return "", false
	}
	var fallback string
	for _, addr := range p.Addresses {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			return net.JoinHostPort(addr, strconv.Itoa(p.Port)), true
		}
		if fallback == "" {
			fallback = addr
		}
	}
	if fallback != "" {
		return net.JoinHostPort(fallback, strconv.Itoa(p.Port)), true
	}
	if p.HostName != "" {
		return net.JoinHostPort(strings.TrimSuffix(p.HostName, "."), strconv.Itoa(p.Port)), true
	}
	return "", false
}
