// Command pulsed is the guildpulse activity telemetry daemon.
//
// It wires the stores, the write buffer, the reconciliation ticker, and the
// query cache into the activity service, serves Prometheus metrics, and
// shuts down gracefully with a final flush and sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/guildpulse/internal/activity"
	"github.com/xtxerr/guildpulse/internal/buffer"
	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/config"
	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/logging"
	"github.com/xtxerr/guildpulse/internal/promstats"
	"github.com/xtxerr/guildpulse/internal/querycache"
	"github.com/xtxerr/guildpulse/internal/reconcile"
	"github.com/xtxerr/guildpulse/internal/session"
	"github.com/xtxerr/guildpulse/internal/timeseries"
	"github.com/xtxerr/guildpulse/internal/window"
)

// connectTimeout bounds the whole startup probe sequence per service.
const connectTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply if omitted)")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("main")

	ctx := context.Background()

	store, err := connectCache(ctx, cfg)
	if err != nil {
		log.Error("cache unavailable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sink, err := connectSink(ctx, cfg)
	if err != nil {
		log.Error("time-series service unavailable", "url", cfg.Influx.URL, "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	counterStore, err := connectCounters(ctx, cfg)
	if err != nil {
		log.Error("counter store unavailable", "error", err)
		os.Exit(1)
	}
	defer counterStore.Close()

	voice := session.New(session.Config{
		Cache:    store,
		Sink:     sink,
		Counters: counterStore,
		TTL:      cfg.Session.TTL.Duration(),
	})
	streams := session.New(session.Config{
		Cache:     store,
		Sink:      sink,
		Counters:  counterStore,
		TTL:       cfg.Session.TTL.Duration(),
		Kind:      timeseries.KindStream,
		Field:     counters.FieldStreamDuration,
		KeyPrefix: "stream",
	})
	qc := querycache.New(store, cfg.Cache.TTL.Duration())
	buf := buffer.New(buffer.Config{
		Sink:          sink,
		Invalidator:   qc,
		Debounce:      cfg.Buffer.DebounceWindow.Duration(),
		ForceInterval: cfg.Buffer.ForceFlushInterval.Duration(),
		FlushTimeout:  cfg.Buffer.FlushTimeout.Duration(),
	})
	ticker := reconcile.New(reconcile.Config{
		Sessions:      voice,
		Presence:      reconcile.CachePresence{Cache: store},
		Invalidator:   qc,
		Interval:      cfg.Reconcile.Interval.Duration(),
		TickThreshold: cfg.Reconcile.TickThreshold.Duration(),
		SweepTimeout:  cfg.Reconcile.SweepTimeout.Duration(),
	})

	svc := activity.New(activity.Config{
		Counters:       counterStore,
		Sink:           sink,
		Cache:          store,
		Windows:        window.New(store, cfg.Window.Horizon.Duration(), nil),
		VoiceSessions:  voice,
		StreamSessions: streams,
		Buffer:         buf,
		Reconciler:     ticker,
		QueryCache:     qc,
	})

	startMetrics(cfg.Metrics.Listen, buf, ticker, qc, voice, log)

	if err := svc.Start(); err != nil {
		log.Error("start failed", "error", err)
		os.Exit(1)
	}
	log.Info("pulsed running",
		"redis", cfg.Redis.Addr, "influx", cfg.Influx.URL, "metrics", cfg.Metrics.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig)

	drainCtx, cancel := context.WithTimeout(ctx, cfg.Shutdown.DrainTimeout.Duration())
	defer cancel()
	if err := svc.Stop(drainCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}

// loadConfig reads the file at path, or returns defaults when no path is
// given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// probe retries op with exponential backoff until it succeeds or the
// connect timeout elapses. External services may come up after us.
func probe(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	return backoff.Retry(func() error {
		return op(ctx)
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func connectCache(ctx context.Context, cfg *config.Config) (*cache.Store, error) {
	var store *cache.Store
	err := probe(ctx, func(ctx context.Context) error {
		s, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	return store, err
}

func connectSink(ctx context.Context, cfg *config.Config) (*timeseries.InfluxSink, error) {
	sink := timeseries.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
	if err := probe(ctx, sink.Ping); err != nil {
		sink.Close()
		return nil, err
	}
	return sink, nil
}

func connectCounters(ctx context.Context, cfg *config.Config) (*counters.PostgresStore, error) {
	var store *counters.PostgresStore
	err := probe(ctx, func(ctx context.Context) error {
		s, err := counters.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	return store, err
}

// startMetrics serves /metrics on its own listener. A failed listener is
// logged, never fatal.
func startMetrics(listen string, buf *buffer.Buffer, ticker *reconcile.Ticker, qc *querycache.Cache, voice *session.Tracker, log *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promstats.New(buf, ticker, qc, voice),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Error("metrics listener failed", "listen", listen, "error", err)
		}
	}()
}
