// Package config loads and validates the guildpulse configuration file.
//
// Configuration is YAML with documented defaults in the top-level config
// package. Every value has a sane default; a missing config file is not an
// error for the daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/guildpulse/config"
)

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Influx    InfluxConfig    `yaml:"influx"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Session   SessionConfig   `yaml:"session"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Window    WindowConfig    `yaml:"window"`
	Cache     CacheConfig     `yaml:"query_cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// RedisConfig points at the cache/low-latency store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// InfluxConfig points at the time-series service.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// PostgresConfig points at the durable counter store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// BufferConfig controls the write buffer flush policy.
type BufferConfig struct {
	DebounceWindow     Duration `yaml:"debounce_window"`
	ForceFlushInterval Duration `yaml:"force_flush_interval"`
	FlushTimeout       Duration `yaml:"flush_timeout"`
}

// SessionConfig controls voice session tracking.
type SessionConfig struct {
	// TTL is the safety-net expiry on session records.
	TTL Duration `yaml:"ttl"`
}

// ReconcileConfig controls the reconciliation sweep.
type ReconcileConfig struct {
	Interval      Duration `yaml:"interval"`
	TickThreshold Duration `yaml:"tick_threshold"`
	SweepTimeout  Duration `yaml:"sweep_timeout"`
}

// WindowConfig controls sliding-window counters.
type WindowConfig struct {
	Horizon Duration `yaml:"horizon"`
}

// CacheConfig controls the query cache.
type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ShutdownConfig controls graceful shutdown.
type ShutdownConfig struct {
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns a Config populated with package defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Redis:   RedisConfig{Addr: config.DefaultRedisAddr},
		Influx: InfluxConfig{
			URL:    config.DefaultInfluxURL,
			Bucket: config.DefaultInfluxBucket,
		},
		Postgres: PostgresConfig{DSN: config.DefaultPostgresDSN},
		Buffer: BufferConfig{
			DebounceWindow:     Duration(config.DefaultDebounceWindow),
			ForceFlushInterval: Duration(config.DefaultForceFlushInterval),
			FlushTimeout:       Duration(config.DefaultFlushTimeout),
		},
		Session: SessionConfig{TTL: Duration(config.DefaultSessionTTL)},
		Reconcile: ReconcileConfig{
			Interval:      Duration(config.DefaultReconcileInterval),
			TickThreshold: Duration(config.DefaultTickThreshold),
			SweepTimeout:  Duration(config.DefaultSweepTimeout),
		},
		Window:   WindowConfig{Horizon: Duration(config.DefaultWindowHorizon)},
		Cache:    CacheConfig{TTL: Duration(config.DefaultQueryCacheTTL)},
		Metrics:  MetricsConfig{Listen: config.DefaultMetricsListen},
		Shutdown: ShutdownConfig{DrainTimeout: Duration(config.DefaultDrainTimeout)},
	}
}

// Load reads and parses the config file at path, applying defaults for any
// value the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("90s", "5m") or a plain integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var i int
		if err := value.Decode(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
