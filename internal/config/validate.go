package config

import (
	"github.com/xtxerr/guildpulse/internal/errors"
)

// Validate checks the configuration for invalid values.
// All validation errors are collected and returned together.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		v.AddField("logging.level", "must be one of debug, info, warn, error")
	}

	if c.Redis.Addr == "" {
		v.AddMissing("redis.addr")
	}
	if c.Influx.URL == "" {
		v.AddMissing("influx.url")
	}
	if c.Influx.Bucket == "" {
		v.AddMissing("influx.bucket")
	}
	if c.Postgres.DSN == "" {
		v.AddMissing("postgres.dsn")
	}

	if c.Buffer.DebounceWindow <= 0 {
		v.AddField("buffer.debounce_window", "must be positive")
	}
	if c.Buffer.ForceFlushInterval <= 0 {
		v.AddField("buffer.force_flush_interval", "must be positive")
	}
	if c.Buffer.ForceFlushInterval < c.Buffer.DebounceWindow {
		v.AddField("buffer.force_flush_interval", "must not be shorter than debounce_window")
	}
	if c.Buffer.FlushTimeout <= 0 {
		v.AddField("buffer.flush_timeout", "must be positive")
	}

	if c.Session.TTL <= 0 {
		v.AddField("session.ttl", "must be positive")
	}

	if c.Reconcile.Interval <= 0 {
		v.AddField("reconcile.interval", "must be positive")
	}
	if c.Reconcile.TickThreshold <= 0 {
		v.AddField("reconcile.tick_threshold", "must be positive")
	}
	if c.Reconcile.SweepTimeout <= 0 {
		v.AddField("reconcile.sweep_timeout", "must be positive")
	}

	if c.Window.Horizon <= 0 {
		v.AddField("window.horizon", "must be positive")
	}
	if c.Cache.TTL <= 0 {
		v.AddField("query_cache.ttl", "must be positive")
	}
	if c.Shutdown.DrainTimeout <= 0 {
		v.AddField("shutdown.drain_timeout", "must be positive")
	}

	return v.Err()
}
