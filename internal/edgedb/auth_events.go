package edgedb

import (
	"context"
	"fmt"
	"time"
)

// AuthEvent records one JWT authentication outcome at the edge, distinct
// from the teacher's device-code auth flow (oosync authenticates via
// bearer JWT, not device pairing) but kept for the same operational
// purpose: auditing who authenticated, from which device, and how.
type AuthEvent struct {
	ID        int64
	UserID    string
	EventType string
	DeviceID  string
	Detail    string
	CreatedAt time.Time
}

// Auth event type constants.
const (
	AuthEventAccepted     = "accepted"
	AuthEventExpired      = "expired"
	AuthEventBadSignature = "bad_signature"
	AuthEventMisconfig    = "misconfigured"
)

// InsertAuthEvent records one authentication attempt's outcome.
func (s *Store) InsertAuthEvent(ctx context.Context, userID, eventType, deviceID, detail string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO auth_events (user_id, event_type, device_id, detail) VALUES ($1, $2, $3, $4)`,
		userID, eventType, deviceID, detail)
	if err != nil {
		return fmt.Errorf("edgedb: insert auth event: %w", err)
	}
	return nil
}

// QueryAuthEvents lists auth events for userID, newest first.
func (s *Store) QueryAuthEvents(ctx context.Context, userID string, limit int) ([]AuthEvent, error) {
	q := `SELECT id, user_id, event_type, device_id, detail, created_at FROM auth_events WHERE user_id = $1 ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("edgedb: query auth events: %w", err)
	}
	defer rows.Close()

	var out []AuthEvent
	for rows.Next() {
		var e AuthEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.DeviceID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("edgedb: scan auth event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupAuthEvents deletes events older than olderThan.
func (s *Store) CleanupAuthEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.Pool.Exec(ctx, `DELETE FROM auth_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("edgedb: cleanup auth events: %w", err)
	}
	return tag.RowsAffected(), nil
}
