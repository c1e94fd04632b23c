package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SessionEventConnected records an established session.
	SessionEventConnected = "connected"
	// SessionEventDisconnected records a session ending, gracefully or not.
	SessionEventDisconnected = "disconnected"
	// SessionEventInviteFailed records an invite that timed out or could not be delivered.
	SessionEventInviteFailed = "invite_failed"
	// SessionEventInviteRejected records an invite declined by the host.
	SessionEventInviteRejected = "invite_rejected"
)

// KnownPeer is a remote device this one has had a session with.
type KnownPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Role           string
	FirstSeen      int64
	LastConnected  int64
	ConnectCount   int
}

// SessionEvent is one entry in the connection history.
type SessionEvent struct {
	ID           int64
	EventID      string
	EventType    string
	PeerDeviceID *string
	Details      string
	Timestamp    int64
}

// SessionEventFilter narrows GetSessionEvents results.
type SessionEventFilter struct {
	EventType    string
	PeerDeviceID string
	Limit        int
	Offset       int
}

func validateSessionEventType(eventType string) error {
	switch eventType {
	case SessionEventConnected, SessionEventDisconnected, SessionEventInviteFailed, SessionEventInviteRejected:
		return nil
	default:
		return fmt.Errorf("invalid session event type %q", eventType)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
