// Package config provides centralized configuration management for the hub
// process through environment variables with sensible defaults.
//
// # Overview
//
// The config package loads application configuration from environment
// variables, providing a single source of truth for:
//   - Storage backend selection (in-memory vs external document store)
//   - Lease, TTL, and retry tuning (cleanup interval, message TTL, lease
//     seconds, delivery and webhook attempt ceilings, heartbeat timeout)
//   - Security posture (signature enforcement, CORS origin)
//   - Service metadata (name, version, environment, log level)
//
// All configuration values have sensible defaults, so the hub can run
// without any environment variable configuration for local development.
//
// # Quick Start
//
//	cfg := config.Load()
//	fmt.Printf("listening on :%d\n", cfg.Port)
//	fmt.Printf("storage backend: %s\n", cfg.StorageBackend)
//
// # Configuration Fields
//
// **Hub Core**:
//   - PORT: HTTP listen port (default: 8080)
//
// **Storage**:
//   - STORAGE_BACKEND: "memory" or "external" (default: "memory")
//   - EXTERNAL_STORE_URL / APP_ID / API_KEY: external document store
//     connection, only consulted when STORAGE_BACKEND=external
//
// **Lease / TTL / retry**:
//   - CLEANUP_INTERVAL_MS: sweeper tick period (default: 60000)
//   - MESSAGE_TTL_SEC: default envelope TTL (default: 86400)
//   - DEFAULT_LEASE_SEC: default pull lease (default: 30)
//   - MAX_DELIVERY_ATTEMPTS: reclaim attempts before dead-lettering a
//     message (default: 10)
//   - WEBHOOK_MAX_ATTEMPTS: webhook delivery attempts before dead-letter
//     (default: 8)
//   - HEARTBEAT_TIMEOUT_SEC: agent offline threshold (default: 3x the
//     cleanup interval)
//
// **Security**:
//   - ALLOW_UNREGISTERED_SENDERS: accept sends from unknown keyIds without
//     signature verification (default: false — secure by default)
//   - CORS_ORIGIN: allowed origin for the HTTP edge (default: "*")
//
// **Service Metadata**:
//   - SERVICE_NAME, SERVICE_VERSION, ENVIRONMENT, LOG_LEVEL
//
// # Usage Examples
//
//	cfg := config.Load()
//	sweepEvery := cfg.CleanupInterval()  // time.Duration
//	lease := cfg.DefaultLease()          // time.Duration
//
// # Configuration Precedence
//
// Configuration is loaded in this order:
//  1. Environment variables (if set)
//  2. Default values (if not set)
//
// # Best Practices
//
// Call Load() once per process (in main), then pass the resulting
// *AppConfig to the components that need it. AppConfig is a read-only
// snapshot of the environment at startup; do not mutate its fields after
// Load() returns, and it is then safe to read from multiple goroutines.
package config
