package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SetSessionEventRetention configures the automatic pruning horizon.
func (s *Store) SetSessionEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSessionEventRetention
	}
	s.sessionEventRetention = retention
}

// RecordSessionEvent stores one history entry with details marshaled to JSON.
func (s *Store) RecordSessionEvent(eventType, peerDeviceID string, details map[string]any) error {
	encoded := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal session event details: %w", err)
		}
		encoded = string(raw)
	}

	event := SessionEvent{EventType: eventType, Details: encoded}
	if peerDeviceID != "" {
		event.PeerDeviceID = &peerDeviceID
	}
	return s.LogSessionEvent(event)
}

// LogSessionEvent inserts a session event and applies retention pruning.
func (s *Store) LogSessionEvent(event SessionEvent) error {
	if err := validateSessionEventType(event.EventType); err != nil {
		return err
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerDeviceID *string
	if event.PeerDeviceID != nil {
		if trimmed := strings.TrimSpace(*event.PeerDeviceID); trimmed != "" {
			peerDeviceID = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO session_events (
			event_id,
			event_type,
			peer_device_id,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventID,
		event.EventType,
		nullString(peerDeviceID),
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event %q: %w", event.EventType, err)
	}

	if s.sessionEventRetention > 0 {
		cutoff := time.Now().Add(-s.sessionEventRetention).UnixMilli()
		if _, err := s.PruneSessionEvents(cutoff); err != nil {
			return fmt.Errorf("prune session events: %w", err)
		}
	}
	return nil
}

// GetSessionEvents returns recent session events, newest first.
func (s *Store) GetSessionEvents(filter SessionEventFilter) ([]SessionEvent, error) {
	if filter.EventType != "" {
		if err := validateSessionEventType(filter.EventType); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id, event_id, event_type, peer_device_id, details, timestamp FROM session_events`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerDeviceID != "" {
		where = append(where, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session event rows: %w", err)
	}
	return events, nil
}

// PruneSessionEvents removes events older than cutoffTimestamp.
func (s *Store) PruneSessionEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session event prune: %w", err)
	}
	return rowsAffected, nil
}

func scanSessionEvent(row scanner) (*SessionEvent, error) {
	var (
		event        SessionEvent
		peerDeviceID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventID,
		&event.EventType,
		&peerDeviceID,
		&event.Details,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.PeerDeviceID = stringPtr(peerDeviceID)
	return &event, nil
}
