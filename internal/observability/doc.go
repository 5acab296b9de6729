// Package observability provides observability infrastructure for the hub:
// distributed tracing, metrics collection, structured logging, and health
// checks.
//
// # Overview
//
// The observability package implements OpenTelemetry-based observability
// with:
//   - Distributed tracing (OpenTelemetry, stdout exporter)
//   - Metrics collection (Prometheus)
//   - Structured logging (log/slog)
//   - Health check endpoints
//   - Instrumentation for send/pull/ack/nack, webhook delivery, and sweeper
//     phases
//   - Graceful shutdown with trace flushing
//
// This package is the foundation for observability across the hub's
// components (inbox engine, group engine, webhook dispatcher, sweeper).
//
// # Quick Start
//
// Initialize observability for the process:
//
//	cfg := observability.DefaultConfig("admp-hub")
//	obs, err := observability.NewObservability(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	logger := obs.Logger
//	tracer := obs.Tracer
//	meter := obs.Meter
//
// This automatically sets up:
//   - A trace exporter (stdout, since there is no OTLP collector sidecar)
//   - Prometheus metrics exporter
//   - Structured logger with trace context
//   - Resource attributes (service name, version, environment)
//
// # Health and metrics endpoints
//
// HealthServer serves `/health`, `/ready`, and `/metrics` (the latter via
// promhttp.Handler()). The hub registers a StorageHealthChecker so that a
// storage backend that is unreachable is reflected in `/health` without the
// storage package needing to know about HTTP.
//
// # MetricsManager
//
// MetricsManager wraps the OpenTelemetry meter with hub-specific counters
// and histograms (messages sent/pulled/acked/nacked/expired/dead, webhook
// attempts/successes/dead-letters, sweeper phase durations, agents online).
// Components take a *MetricsManager in their constructor rather than reading
// a package-level global.
package observability
