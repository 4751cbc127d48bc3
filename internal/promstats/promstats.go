// Package promstats exposes the subsystem's internal statistics as
// Prometheus metrics.
//
// Components keep their own atomic stats structs; this package adapts those
// snapshots into a prometheus.Collector so a scrape never touches hot-path
// locks.
package promstats

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/guildpulse/internal/buffer"
	"github.com/xtxerr/guildpulse/internal/logging"
	"github.com/xtxerr/guildpulse/internal/querycache"
	"github.com/xtxerr/guildpulse/internal/reconcile"
	"github.com/xtxerr/guildpulse/internal/session"
)

var log = logging.Component("promstats")

const namespace = "guildpulse"

// sessionListTimeout bounds the active-session count lookup per scrape.
const sessionListTimeout = 2 * time.Second

// Collector adapts component statistics to Prometheus.
type Collector struct {
	buffer     *buffer.Buffer
	reconciler *reconcile.Ticker
	queries    *querycache.Cache
	sessions   *session.Tracker

	eventsRecorded *prometheus.Desc
	flushes        *prometheus.Desc
	forcedFlushes  *prometheus.Desc
	factsWritten   *prometheus.Desc
	batchesDropped *prometheus.Desc
	sweeps         *prometheus.Desc
	sweepsSkipped  *prometheus.Desc
	sweepTicks     *prometheus.Desc
	zombiePurges   *prometheus.Desc
	sweepFailures  *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cachePurges    *prometheus.Desc
	activeSessions *prometheus.Desc
}

// New creates a Collector over the given components.
func New(buf *buffer.Buffer, rec *reconcile.Ticker, qc *querycache.Cache, sessions *session.Tracker) *Collector {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, nil, nil)
	}
	return &Collector{
		buffer:     buf,
		reconciler: rec,
		queries:    qc,
		sessions:   sessions,

		eventsRecorded: d("buffer_events_total", "Events recorded into the write buffer."),
		flushes:        d("buffer_flushes_total", "Completed flush cycles."),
		forcedFlushes:  d("buffer_forced_flushes_total", "Flushes triggered by the force interval."),
		factsWritten:   d("facts_written_total", "Facts confirmed by the time-series sink."),
		batchesDropped: d("fact_batches_dropped_total", "Flush batches dropped on sink failure."),
		sweeps:         d("reconcile_sweeps_total", "Completed reconciliation sweeps."),
		sweepsSkipped:  d("reconcile_sweeps_skipped_total", "Sweeps skipped because one was in flight."),
		sweepTicks:     d("reconcile_ticks_total", "Incremental session ticks emitted by sweeps."),
		zombiePurges:   d("reconcile_zombie_purges_total", "Zombie sessions purged by sweeps."),
		sweepFailures:  d("reconcile_failures_total", "Per-session sweep failures."),
		cacheHits:      d("query_cache_hits_total", "Query cache hits."),
		cacheMisses:    d("query_cache_misses_total", "Query cache misses."),
		cachePurges:    d("query_cache_purges_total", "Query cache entries purged by invalidation."),
		activeSessions: d("active_voice_sessions", "Live tracked voice sessions."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsRecorded
	ch <- c.flushes
	ch <- c.forcedFlushes
	ch <- c.factsWritten
	ch <- c.batchesDropped
	ch <- c.sweeps
	ch <- c.sweepsSkipped
	ch <- c.sweepTicks
	ch <- c.zombiePurges
	ch <- c.sweepFailures
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cachePurges
	ch <- c.activeSessions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	buf := c.buffer.Snapshot()
	counter(c.eventsRecorded, buf.EventsRecorded)
	counter(c.flushes, buf.Flushes)
	counter(c.forcedFlushes, buf.ForcedFlushes)
	counter(c.factsWritten, buf.FactsWritten)
	counter(c.batchesDropped, buf.BatchesDropped)

	rec := c.reconciler.Snapshot()
	counter(c.sweeps, rec.Sweeps)
	counter(c.sweepsSkipped, rec.SweepsSkipped)
	counter(c.sweepTicks, rec.Ticks)
	counter(c.zombiePurges, rec.Purges)
	counter(c.sweepFailures, rec.Failures)

	qc := c.queries.Snapshot()
	counter(c.cacheHits, qc.Hits)
	counter(c.cacheMisses, qc.Misses)
	counter(c.cachePurges, qc.Purges)

	ctx, cancel := context.WithTimeout(context.Background(), sessionListTimeout)
	defer cancel()
	records, err := c.sessions.List(ctx)
	if err != nil {
		log.Warn("active session count unavailable", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(len(records)))
}
