// Package edgedb is the Postgres-backed store behind the edge handler: a
// pgxpool connection pool, schema migrations, and the change log and
// multi-tenant project tables that internal/edge queries and writes inside
// its per-request transaction.
package edgedb

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool configuration defaults, overridable via environment variables so a
// single binary can be retuned per deployment without a redeploy.
const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// NewPool creates a pgxpool connection pool for connString, honoring
// PG_MAX_CONNS, PG_MIN_CONNS, PG_MAX_CONN_LIFETIME, and PG_MAX_CONN_IDLE_TIME
// overrides (duration strings parsed via time.ParseDuration).
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("edgedb: parse connection string: %w", err)
	}

	cfg.MaxConns = envInt32("PG_MAX_CONNS", defaultMaxConns)
	cfg.MinConns = envInt32("PG_MIN_CONNS", defaultMinConns)
	cfg.MaxConnLifetime = envDuration("PG_MAX_CONN_LIFETIME", defaultMaxConnLifetime)
	cfg.MaxConnIdleTime = envDuration("PG_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("edgedb: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("edgedb: ping pool: %w", err)
	}
	return pool, nil
}

func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
