package edgedb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the edge's Postgres pool for the control-plane tables
// (projects, memberships, rate-limit/auth telemetry) that sit alongside the
// per-request sync transaction internal/edge drives directly.
type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Ping checks the pool is reachable, with a 2-second timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// Close releases the underlying pool. Callers that share the pool with
// internal/edge.Server own the close decision; Store never closes on its own.
func (s *Store) Close() {
	s.Pool.Close()
}
