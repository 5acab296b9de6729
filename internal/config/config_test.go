package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "STORAGE_BACKEND", "CLEANUP_INTERVAL_MS", "ALLOW_UNREGISTERED_SENDERS", "CORS_ORIGIN")

	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.AllowUnregisteredSenders {
		t.Error("AllowUnregisteredSenders default should be false")
	}
	if cfg.CORSOrigin != "*" {
		t.Errorf("CORSOrigin default = %q, want *", cfg.CORSOrigin)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	clearEnv(t, "PORT", "STORAGE_BACKEND", "ALLOW_UNREGISTERED_SENDERS")
	os.Setenv("PORT", "9999")
	os.Setenv("STORAGE_BACKEND", "external")
	os.Setenv("ALLOW_UNREGISTERED_SENDERS", "true")

	cfg := Load()

	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if !cfg.UsesExternalStore() {
		t.Error("UsesExternalStore() should be true when STORAGE_BACKEND=external")
	}
	if !cfg.AllowUnregisteredSenders {
		t.Error("AllowUnregisteredSenders should be true when env var set")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &AppConfig{
		CleanupIntervalMS:   5000,
		DefaultLeaseSec:     30,
		HeartbeatTimeoutSec: 15,
	}

	if cfg.CleanupInterval() != 5*time.Second {
		t.Errorf("CleanupInterval() = %v, want 5s", cfg.CleanupInterval())
	}
	if cfg.DefaultLease() != 30*time.Second {
		t.Errorf("DefaultLease() = %v, want 30s", cfg.DefaultLease())
	}
	if cfg.HeartbeatTimeout() != 15*time.Second {
		t.Errorf("HeartbeatTimeout() = %v, want 15s", cfg.HeartbeatTimeout())
	}
}
