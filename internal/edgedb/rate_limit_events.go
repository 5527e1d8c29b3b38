package edgedb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RateLimitEvent records one rejected request, for the diagnostics toggles
// spec §6.3 calls out as part of the edge environment contract.
type RateLimitEvent struct {
	ID            int64
	KeyID         string // empty if IP-scoped
	IP            string
	EndpointClass string // auth, push, pull, other
	CreatedAt     time.Time
}

// InsertRateLimitEvent records a rate-limit rejection. keyID may be empty
// for IP-scoped limiting (stored as NULL).
func (s *Store) InsertRateLimitEvent(ctx context.Context, keyID, ip, endpointClass string) error {
	var keyIDParam any
	if keyID != "" {
		keyIDParam = keyID
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO rate_limit_events (key_id, ip, endpoint_class) VALUES ($1, $2, $3)`,
		keyIDParam, ip, endpointClass)
	if err != nil {
		return fmt.Errorf("edgedb: insert rate limit event: %w", err)
	}
	return nil
}

// QueryRateLimitEvents lists rate-limit events with optional exact/range
// filters, newest first.
func (s *Store) QueryRateLimitEvents(ctx context.Context, keyID, ip, from, to string, limit int) ([]RateLimitEvent, error) {
	q := `SELECT id, key_id, ip, endpoint_class, created_at FROM rate_limit_events`
	var conditions []string
	var args []any

	addCond := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if keyID != "" {
		addCond("key_id = $%d", keyID)
	}
	if ip != "" {
		addCond("ip = $%d", ip)
	}
	if from != "" {
		addCond("created_at >= $%d", from)
	}
	if to != "" {
		addCond("created_at <= $%d", to)
	}
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("edgedb: query rate limit events: %w", err)
	}
	defer rows.Close()

	var out []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var keyIDNull *string
		if err := rows.Scan(&e.ID, &keyIDNull, &e.IP, &e.EndpointClass, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("edgedb: scan rate limit event: %w", err)
		}
		if keyIDNull != nil {
			e.KeyID = *keyIDNull
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupRateLimitEvents deletes events older than olderThan, returning the
// number of rows removed.
func (s *Store) CleanupRateLimitEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.Pool.Exec(ctx, `DELETE FROM rate_limit_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("edgedb: cleanup rate limit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
