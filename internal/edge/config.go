// Package edge is the edge sync handler (C8): a stateless HTTP endpoint that
// mediates between client devices and the authoritative Postgres database.
// Every request opens its own transaction and closes its own connection —
// no cross-request state is held here beyond the JWKS cache.
package edge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the edge server needs at startup, loaded from
// SYNC_* environment variables (mirroring the teacher's internal/api/config.go
// shape).
type Config struct {
	ListenAddr      string
	DatabaseURL     string
	JWTSharedSecret string // HS256 path
	JWKSURL         string // ES256 path
	JWTIssuer       string

	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration

	RateLimitPerKeyRPS   float64
	RateLimitPerKeyBurst int

	DefaultPageSize int
	MaxPageSize     int

	PerformanceLogThreshold time.Duration
}

// LoadConfig reads SYNC_* environment variables, applying the same defaults
// the teacher's config loader uses for anything not domain-specific.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:              getEnv("SYNC_LISTEN_ADDR", ":8081"),
		DatabaseURL:             os.Getenv("SYNC_DATABASE_URL"),
		JWTSharedSecret:         os.Getenv("SYNC_JWT_SECRET"),
		JWKSURL:                 os.Getenv("SYNC_JWKS_URL"),
		JWTIssuer:               os.Getenv("SYNC_JWT_ISSUER"),
		CORSAllowedOrigins:      splitCSV(getEnv("SYNC_CORS_ALLOWED_ORIGINS", "*")),
		ShutdownTimeout:         getEnvDuration("SYNC_SHUTDOWN_TIMEOUT", 10*time.Second),
		RateLimitPerKeyRPS:      getEnvFloat("SYNC_RATE_LIMIT_RPS", 10),
		RateLimitPerKeyBurst:    getEnvInt("SYNC_RATE_LIMIT_BURST", 20),
		DefaultPageSize:         getEnvInt("SYNC_DEFAULT_PAGE_SIZE", 200),
		MaxPageSize:             getEnvInt("SYNC_MAX_PAGE_SIZE", 500),
		PerformanceLogThreshold: getEnvDuration("SYNC_PERF_LOG_THRESHOLD", 500*time.Millisecond),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("edge: SYNC_DATABASE_URL is required")
	}
	if cfg.JWTSharedSecret == "" && cfg.JWKSURL == "" {
		return Config{}, fmt.Errorf("edge: one of SYNC_JWT_SECRET or SYNC_JWKS_URL is required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
