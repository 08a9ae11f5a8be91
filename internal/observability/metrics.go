package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing house.
type Metrics struct {
	// --- Engine ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	RequestDuplicates  *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge
	RequestSequenceGap *prometheus.CounterVec
	RequestOutOfOrder  *prometheus.CounterVec

	// --- Domain ---
	FundingSettlements   *prometheus.CounterVec
	LiquidationsExecuted *prometheus.CounterVec
	LiquidityChanges     *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"operation"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_ops_rejected_total",
			Help: "Operations rejected and rolled back",
		}, []string{"operation", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_op_duration_seconds",
			Help:    "Time to execute one operation end to end",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_engine_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"operation"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency & ordering
		RequestDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_request_duplicates_total",
			Help: "Duplicate operation requests caught (lru/postgres)",
		}, []string{"operation", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		RequestSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_request_sequence_gap_total",
			Help: "Source sequence gaps on the request stream",
		}, []string{"partition"}),

		RequestOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_request_out_of_order_total",
			Help: "Out-of-order request rejections",
		}, []string{"partition"}),

		// Domain
		FundingSettlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_settlements_total",
			Help: "Funding settlements applied",
		}, []string{"market"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidations_executed_total",
			Help: "Forced closes executed (regular/backstop)",
		}, []string{"market", "kind"}),

		LiquidityChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidity_changes_total",
			Help: "Add/remove liquidity operations applied",
		}, []string{"market", "action"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_insurance_fund_balance",
			Help: "Current insurance fund balance (quote units)",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_snapshot_taken_total",
			Help: "State snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
