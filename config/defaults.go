// Package config provides configuration defaults and utilities
// for the guildpulse application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Write Buffer Defaults
// =============================================================================

const (
	// DefaultDebounceWindow is the quiet period after the last recorded event
	// before buffered facts are flushed to the time-series sink.
	// Override via config: buffer.debounce_window
	DefaultDebounceWindow = 1 * time.Second

	// DefaultForceFlushInterval bounds worst-case flush latency under
	// sustained load. If this much time has passed since the last successful
	// flush, the next recorded event flushes synchronously.
	// Override via config: buffer.force_flush_interval
	DefaultForceFlushInterval = 5 * time.Second

	// DefaultFlushTimeout bounds a single flush cycle's external calls.
	// Override via config: buffer.flush_timeout
	DefaultFlushTimeout = 10 * time.Second
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultSessionTTL is the safety-net expiry on voice session records.
	// A crashed process can never leak a session past this bound.
	// Override via config: session.ttl
	DefaultSessionTTL = 24 * time.Hour
)

// =============================================================================
// Reconciliation Defaults
// =============================================================================

const (
	// DefaultReconcileInterval is how often the reconciliation sweep runs.
	// Override via config: reconcile.interval
	DefaultReconcileInterval = 60 * time.Second

	// DefaultTickThreshold is the minimum session age since the last tick
	// before an incremental voice-duration fact is emitted.
	// Override via config: reconcile.tick_threshold
	DefaultTickThreshold = 60 * time.Second

	// DefaultSweepTimeout bounds one full reconciliation sweep.
	// Override via config: reconcile.sweep_timeout
	DefaultSweepTimeout = 30 * time.Second
)

// =============================================================================
// Sliding Window Defaults
// =============================================================================

const (
	// DefaultWindowHorizon is the trailing window for sliding-window counters.
	// Override via config: window.horizon
	DefaultWindowHorizon = 5 * time.Minute
)

// =============================================================================
// Query Cache Defaults
// =============================================================================

const (
	// DefaultQueryCacheTTL is how long cached aggregate results live absent
	// explicit invalidation.
	// Override via config: query_cache.ttl
	DefaultQueryCacheTTL = 300 * time.Second
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long to wait for the final flush and sweep
	// during shutdown. Follows the Kubernetes convention
	// (terminationGracePeriodSeconds = 30s).
	// Override via config: shutdown.drain_timeout
	DefaultDrainTimeout = 30 * time.Second
)

// =============================================================================
// External Service Defaults
// =============================================================================

const (
	// DefaultRedisAddr is the default cache service address.
	// Override via config: redis.addr
	DefaultRedisAddr = "127.0.0.1:6379"

	// DefaultInfluxURL is the default time-series service URL.
	// Override via config: influx.url
	DefaultInfluxURL = "http://127.0.0.1:8086"

	// DefaultInfluxBucket is the default bucket for activity facts.
	// Override via config: influx.bucket
	DefaultInfluxBucket = "activity"

	// DefaultPostgresDSN is the default durable counter store DSN.
	// Override via config: postgres.dsn
	DefaultPostgresDSN = "postgres://guildpulse@127.0.0.1:5432/guildpulse"

	// DefaultMetricsListen is the Prometheus metrics listen address.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9161"
)
