package edge

import (
	"testing"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"SYNC_DATABASE_URL": "postgres://localhost/oosync",
		"SYNC_JWT_SECRET":   "shh",
	})
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8081" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DefaultPageSize != 200 || cfg.MaxPageSize != 500 {
		t.Fatalf("page size defaults = %d/%d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	withEnv(t, map[string]string{
		"SYNC_DATABASE_URL": "",
		"SYNC_JWT_SECRET":   "shh",
	})
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when SYNC_DATABASE_URL is unset")
	}
}

func TestLoadConfigRequiresAJWTVerificationMode(t *testing.T) {
	withEnv(t, map[string]string{
		"SYNC_DATABASE_URL": "postgres://localhost/oosync",
		"SYNC_JWT_SECRET":   "",
		"SYNC_JWKS_URL":     "",
	})
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when neither JWT verification mode is configured")
	}
}

func TestLoadConfigParsesCORSList(t *testing.T) {
	withEnv(t, map[string]string{
		"SYNC_DATABASE_URL":          "postgres://localhost/oosync",
		"SYNC_JWT_SECRET":            "shh",
		"SYNC_CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example",
	})
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}
