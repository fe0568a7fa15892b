package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FetchBuckets for page round trips (network + server-side paging)
	FetchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// ThrottleBuckets for rate-limit deferrals
	ThrottleBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

	// PageRowBuckets for rows carried by a single page
	PageRowBuckets = []float64{1, 10, 50, 100, 500, 1000, 5000, 10000}
)

// Stream Metrics
var (
	// StreamsTotal counts finished streams by result (completed, failed, cancelled)
	StreamsTotal CounterVec = noopCounterVec{}

	// ActiveStreams tracks subscriptions that have not reached a terminal state
	ActiveStreams Gauge = NoopStat{}

	// ProtocolViolationsTotal counts subscriber protocol violations by kind
	// (multiple_subscriptions, non_positive_request, subscriber_panic)
	ProtocolViolationsTotal CounterVec = noopCounterVec{}

	// RowsEmittedTotal counts rows delivered to subscribers
	RowsEmittedTotal Counter = NoopStat{}

	// LateResultsDiscardedTotal counts pages that completed after cancellation
	LateResultsDiscardedTotal Counter = NoopStat{}
)

// Paging Metrics
var (
	// PagesFetchedTotal counts page fetches by result (success, failed)
	PagesFetchedTotal CounterVec = noopCounterVec{}

	// PageFetchSeconds measures page fetch latency
	PageFetchSeconds Histogram = NoopStat{}

	// PageRows measures rows per fetched page
	PageRows Histogram = NoopStat{}

	// ThrottleDelaySeconds measures how long fetches were deferred by the rate limit
	ThrottleDelaySeconds Histogram = NoopStat{}

	// MaxPagesReachedTotal counts streams cut short by the page cap
	MaxPagesReachedTotal Counter = NoopStat{}
)

// Session Metrics
var (
	// SessionStreams tracks live streams across sessions (sampled by MetricsCollector)
	SessionStreams Gauge = NoopStat{}

	// QueriesTotal counts executed queries by driver and result (accepted, rejected)
	QueriesTotal CounterVec = noopCounterVec{}

	// StatementCacheTotal counts prepared statement cache lookups by result (hit, miss)
	StatementCacheTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	StreamsTotal = NewCounterVec(
		"streams_total",
		"Finished streams by result",
		[]string{"result"},
	)
	ActiveStreams = NewGauge(
		"active_streams",
		"Subscriptions not yet in a terminal state",
	)
	ProtocolViolationsTotal = NewCounterVec(
		"protocol_violations_total",
		"Subscriber protocol violations by kind",
		[]string{"kind"},
	)
	RowsEmittedTotal = NewCounter(
		"rows_emitted_total",
		"Rows delivered to subscribers",
	)
	LateResultsDiscardedTotal = NewCounter(
		"late_results_discarded_total",
		"Page results discarded because the stream had already terminated",
	)

	PagesFetchedTotal = NewCounterVec(
		"pages_fetched_total",
		"Page fetches by result",
		[]string{"result"},
	)
	PageFetchSeconds = NewHistogramWithBuckets(
		"page_fetch_seconds",
		"Page fetch latency in seconds",
		FetchBuckets,
	)
	PageRows = NewHistogramWithBuckets(
		"page_rows",
		"Rows per fetched page",
		PageRowBuckets,
	)
	ThrottleDelaySeconds = NewHistogramWithBuckets(
		"throttle_delay_seconds",
		"Time fetches were deferred by max_pages_per_second",
		ThrottleBuckets,
	)
	MaxPagesReachedTotal = NewCounter(
		"max_pages_reached_total",
		"Streams completed early because max_pages was reached",
	)

	SessionStreams = NewGauge(
		"session_streams",
		"Live streams tracked by sessions",
	)
	QueriesTotal = NewCounterVec(
		"queries_total",
		"Executed queries by driver and result",
		[]string{"driver", "result"},
	)
	StatementCacheTotal = NewCounterVec(
		"statement_cache_total",
		"Prepared statement cache lookups by result",
		[]string{"result"},
	)
}
