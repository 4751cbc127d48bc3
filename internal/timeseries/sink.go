package timeseries

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/xtxerr/guildpulse/internal/logging"
)

var log = logging.Component("timeseries")

// Sink is the contract with the time-series service.
//
// Writes are fire-and-confirm appends; queries are range/group/sum
// aggregations over tagged series. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Write appends a single fact.
	Write(ctx context.Context, fact Fact) error

	// WriteBatch appends facts as one confirmed write. Either the whole
	// batch is accepted or an error is returned.
	WriteBatch(ctx context.Context, facts []Fact) error

	// Sum returns the total value of facts of the given kind for a guild
	// within the range. An empty userID matches all users.
	Sum(ctx context.Context, kind Kind, guildID, userID string, r Range) (int64, error)

	// SumByTag returns per-tag-value totals for facts of the given kind,
	// grouped by the given tag column. An empty userID matches all users.
	SumByTag(ctx context.Context, kind Kind, guildID, userID, tag string, r Range) (map[string]int64, error)

	// Series returns value totals bucketed into fixed windows across the
	// range. An empty userID matches all users.
	Series(ctx context.Context, kind Kind, guildID, userID string, r Range, every time.Duration) ([]Bucket, error)
}

// =============================================================================
// InfluxDB implementation
// =============================================================================

// InfluxSink is a Sink backed by InfluxDB.
//
// Each fact becomes one point: measurement = kind, tags from Tags, a single
// "value" field, timestamped at Fact.Timestamp.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

// NewInfluxSink connects to InfluxDB and returns a Sink over the bucket.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
	}
}

// Ping verifies connectivity to the service.
func (s *InfluxSink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influx: %w", err)
	}
	if !ok {
		return fmt.Errorf("ping influx: not ready")
	}
	return nil
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, fact Fact) error {
	return s.WriteBatch(ctx, []Fact{fact})
}

// WriteBatch implements Sink.
func (s *InfluxSink) WriteBatch(ctx context.Context, facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(facts))
	for i := range facts {
		points = append(points, toPoint(&facts[i]))
	}

	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write batch (%d facts): %w", len(facts), err)
	}

	log.Debug("facts written", "count", len(facts))
	return nil
}

// toPoint converts a fact to an InfluxDB point. Empty tags are omitted.
func toPoint(f *Fact) *write.Point {
	tags := make(map[string]string, 5)
	if f.Tags.UserID != "" {
		tags[TagUserID] = f.Tags.UserID
	}
	if f.Tags.GuildID != "" {
		tags[TagGuildID] = f.Tags.GuildID
	}
	if f.Tags.ChannelID != "" {
		tags[TagChannelID] = f.Tags.ChannelID
	}
	if f.Tags.SessionID != "" {
		tags[TagSessionID] = f.Tags.SessionID
	}
	if f.Tags.Action != "" {
		tags[TagAction] = f.Tags.Action
	}

	fields := map[string]any{"value": f.Value}
	return influxdb2.NewPoint(string(f.Kind), tags, fields, f.Timestamp)
}

// Sum implements Sink.
func (s *InfluxSink) Sum(ctx context.Context, kind Kind, guildID, userID string, r Range) (int64, error) {
	flux := buildSum(s.bucket, kind, guildID, userID, r)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return 0, fmt.Errorf("influx sum query: %w", err)
	}
	defer result.Close()

	var total int64
	for result.Next() {
		total += toInt64(result.Record().Value())
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("influx sum result: %w", result.Err())
	}
	return total, nil
}

// SumByTag implements Sink.
func (s *InfluxSink) SumByTag(ctx context.Context, kind Kind, guildID, userID, tag string, r Range) (map[string]int64, error) {
	flux := buildSumByTag(s.bucket, kind, guildID, userID, tag, r)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx group query: %w", err)
	}
	defer result.Close()

	totals := make(map[string]int64)
	for result.Next() {
		rec := result.Record()
		key, _ := rec.ValueByKey(tag).(string)
		if key == "" {
			continue
		}
		totals[key] += toInt64(rec.Value())
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx group result: %w", result.Err())
	}
	return totals, nil
}

// Series implements Sink.
func (s *InfluxSink) Series(ctx context.Context, kind Kind, guildID, userID string, r Range, every time.Duration) ([]Bucket, error) {
	flux := buildSeries(s.bucket, kind, guildID, userID, r, every)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx series query: %w", err)
	}
	defer result.Close()

	var buckets []Bucket
	for result.Next() {
		rec := result.Record()
		buckets = append(buckets, Bucket{
			Start: rec.Time(),
			Value: toInt64(rec.Value()),
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx series result: %w", result.Err())
	}
	return buckets, nil
}

// toInt64 normalizes the numeric types the query API may return.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}
