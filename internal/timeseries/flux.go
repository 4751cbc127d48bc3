package timeseries

import (
	"fmt"
	"strings"
	"time"
)

// Flux query builders. Queries are assembled from the full parameter set;
// string values are quoted with %q so tag values cannot break out of the
// filter expression.

// buildFilter returns the from/range/filter prefix shared by all queries.
func buildFilter(bucket string, kind Kind, guildID, userID string, r Range) string {
	var b strings.Builder

	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		r.Start.UTC().Format(time.RFC3339Nano),
		r.End.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r._field == \"value\"", string(kind))
	fmt.Fprintf(&b, " and r.%s == %q", TagGuildID, guildID)
	if userID != "" {
		fmt.Fprintf(&b, " and r.%s == %q", TagUserID, userID)
	}
	b.WriteString(")\n")

	return b.String()
}

// buildSum sums all matching facts into a single value.
func buildSum(bucket string, kind Kind, guildID, userID string, r Range) string {
	return buildFilter(bucket, kind, guildID, userID, r) +
		"  |> group()\n" +
		"  |> sum()\n"
}

// buildSumByTag sums matching facts grouped by one tag column.
func buildSumByTag(bucket string, kind Kind, guildID, userID, tag string, r Range) string {
	return buildFilter(bucket, kind, guildID, userID, r) +
		fmt.Sprintf("  |> group(columns: [%q])\n", tag) +
		"  |> sum()\n"
}

// buildSeries buckets matching facts into fixed aggregation windows.
func buildSeries(bucket string, kind Kind, guildID, userID string, r Range, every time.Duration) string {
	return buildFilter(bucket, kind, guildID, userID, r) +
		"  |> group()\n" +
		fmt.Sprintf("  |> aggregateWindow(every: %s, fn: sum, createEmpty: false)\n", every)
}
