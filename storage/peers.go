package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"gopad/models"
)

// RecordPeerConnected inserts or refreshes a peer row and bumps its connect count.
func (s *Store) RecordPeerConnected(peer models.Peer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.DeviceName == "" {
		peer.DeviceName = peer.DeviceID
	}
	role := peer.Role
	if role == "" {
		role = models.RoleHost
	}
	now := nowUnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO peers (
			device_id,
			device_name,
			key_fingerprint,
			role,
			first_seen,
			last_connected,
			connect_count
		) VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			key_fingerprint = CASE WHEN excluded.key_fingerprint = '' THEN peers.key_fingerprint ELSE excluded.key_fingerprint END,
			role = excluded.role,
			last_connected = excluded.last_connected,
			connect_count = peers.connect_count + 1`,
		peer.DeviceID,
		peer.DeviceName,
		peer.KeyFingerprint,
		string(role),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("record peer %q: %w", peer.DeviceID, err)
	}
	return nil
}

// GetPeer fetches a known peer by device ID.
func (s *Store) GetPeer(deviceID string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, key_fingerprint, role, first_seen, last_connected, connect_count
		FROM peers
		WHERE device_id = ?`,
		deviceID,
	)
	peer, err := scanKnownPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// ListPeers returns known peers, most recently connected first.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, key_fingerprint, role, first_seen, last_connected, connect_count
		FROM peers
		ORDER BY last_connected DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanKnownPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a known peer. History rows are kept.
func (s *Store) RemovePeer(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer removal: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKnownPeer(row scanner) (*KnownPeer, error) {
	var peer KnownPeer
	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.KeyFingerprint,
		&peer.Role,
		&peer.FirstSeen,
		&peer.LastConnected,
		&peer.ConnectCount,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
