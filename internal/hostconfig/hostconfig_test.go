package hostconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotThresholdDefault(t *testing.T) {
	os.Unsetenv("OOSYNC_SNAPSHOT_THRESHOLD")

	threshold := GetSnapshotThreshold()
	if threshold != 100 {
		t.Fatalf("default threshold: got %d, want 100", threshold)
	}
}

func TestSnapshotThresholdEnvVar(t *testing.T) {
	t.Setenv("OOSYNC_SNAPSHOT_THRESHOLD", "500")

	threshold := GetSnapshotThreshold()
	if threshold != 500 {
		t.Fatalf("env threshold: got %d, want 500", threshold)
	}
}

func TestSnapshotThresholdEnvVarInvalid(t *testing.T) {
	t.Setenv("OOSYNC_SNAPSHOT_THRESHOLD", "not-a-number")

	threshold := GetSnapshotThreshold()
	if threshold != 100 {
		t.Fatalf("invalid env threshold: got %d, want 100 (default)", threshold)
	}
}

func TestSnapshotThresholdEnvVarZero(t *testing.T) {
	t.Setenv("OOSYNC_SNAPSHOT_THRESHOLD", "0")

	// Zero is valid: means snapshot bootstrap is disabled
	threshold := GetSnapshotThreshold()
	if threshold != 0 {
		t.Fatalf("zero env threshold: got %d, want 0 (disabled)", threshold)
	}
}

func TestSnapshotThresholdEnvVarNegative(t *testing.T) {
	t.Setenv("OOSYNC_SNAPSHOT_THRESHOLD", "-5")

	threshold := GetSnapshotThreshold()
	if threshold != 100 {
		t.Fatalf("negative env threshold: got %d, want 100 (default)", threshold)
	}
}

// writeTestConfig creates a temp HOME with ~/.config/oosync/config.json.
func writeTestConfig(t *testing.T, cfg *Config) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	dir := filepath.Join(tmpDir, ".config", "oosync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestAutoSyncEnabledFromConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{Enabled: boolPtr(false)}}})
	t.Setenv("OOSYNC_AUTO", "")
	if GetAutoSyncEnabled() {
		t.Error("expected auto-sync disabled from config")
	}
}

func TestAutoSyncDebounceFromConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{Debounce: "10s"}}})
	t.Setenv("OOSYNC_AUTO_DEBOUNCE", "")
	if d := GetAutoSyncDebounce(); d != 10*time.Second {
		t.Errorf("expected 10s from config, got %v", d)
	}
}

func TestAutoSyncEnvOverridesConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{
		Enabled:  boolPtr(false),
		Debounce: "10s",
		Interval: "15m",
		Pull:     boolPtr(false),
	}}})

	t.Setenv("OOSYNC_AUTO", "true")
	if !GetAutoSyncEnabled() {
		t.Error("env should override config for enabled")
	}

	t.Setenv("OOSYNC_AUTO_DEBOUNCE", "500ms")
	if d := GetAutoSyncDebounce(); d != 500*time.Millisecond {
		t.Errorf("env should override config for debounce, got %v", d)
	}

	t.Setenv("OOSYNC_AUTO_INTERVAL", "30s")
	if d := GetAutoSyncInterval(); d != 30*time.Second {
		t.Errorf("env should override config for interval, got %v", d)
	}
}

func TestGetTokenPrefersEnv(t *testing.T) {
	writeTestConfig(t, &Config{})
	t.Setenv("OOSYNC_TOKEN", "env-token")
	if GetToken() != "env-token" {
		t.Fatalf("GetToken() should prefer OOSYNC_TOKEN")
	}
}

func TestIsAuthenticatedReflectsToken(t *testing.T) {
	writeTestConfig(t, &Config{})
	t.Setenv("OOSYNC_TOKEN", "")
	if IsAuthenticated() {
		t.Fatal("expected unauthenticated with no token and no auth.json")
	}
	if err := SaveAuth(&AuthCredentials{Token: "saved-token"}); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}
	if !IsAuthenticated() {
		t.Fatal("expected authenticated after SaveAuth")
	}
}
