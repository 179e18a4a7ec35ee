package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
type Metrics struct {
	// Engine processing
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	StateHashDur  prometheus.Histogram
	Sequence      prometheus.Gauge
	PendingOrders prometheus.Gauge
	OpenPositions prometheus.Gauge

	// Channel and backpressure
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// Order lifecycle
	OrdersCreated   *prometheus.CounterVec
	OrdersExecuted  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec

	// Risk events
	LiquidationsExecuted *prometheus.CounterVec
	AdlExecutions        *prometheus.CounterVec
	AdlStateEnabled      *prometheus.GaugeVec

	// Fees
	FundingRefreshes *prometheus.CounterVec

	// Ingestion
	IngestCommands    *prometheus.CounterVec
	IngestParseErrors prometheus.Counter

	// Persistence
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// Snapshot and replay
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_engine_ops_applied_total",
			Help: "Settlement operations successfully committed",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_engine_ops_rejected_total",
			Help: "Settlement operations rejected (validation, ordering)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gmx_engine_op_duration_seconds",
			Help:    "Time to apply a single settlement operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmx_engine_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gmx_engine_sequence",
			Help: "Current global sequence number",
		}),

		PendingOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gmx_engine_pending_orders",
			Help: "Orders currently resting in the order store",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gmx_engine_open_positions",
			Help: "Positions currently open",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmx_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmx_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmx_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_publish_drops_total",
			Help: "Envelopes dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		OrdersCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_orders_created_total",
			Help: "Orders accepted into the order store",
		}, []string{"kind"}),

		OrdersExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_orders_executed_total",
			Help: "Orders executed",
		}, []string{"kind"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_orders_cancelled_total",
			Help: "Orders cancelled (trader or controlled execution)",
		}, []string{"kind", "reason"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_liquidations_executed_total",
			Help: "Positions force-closed by liquidation",
		}, []string{"market_id"}),

		AdlExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_adl_executions_total",
			Help: "Forced decreases executed by ADL",
		}, []string{"market_id"}),

		AdlStateEnabled: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmx_adl_state_enabled",
			Help: "ADL latch per market side (1 enabled, 0 disabled)",
		}, []string{"market_id", "side"}),

		FundingRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_funding_refreshes_total",
			Help: "Funding/borrowing accrual refreshes",
		}, []string{"market_id"}),

		IngestCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_ingest_commands_total",
			Help: "Commands consumed from the inbound stream",
		}, []string{"command"}),

		IngestParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_ingest_parse_errors_total",
			Help: "Inbound commands dropped as unparseable",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmx_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gmx_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gmx_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmx_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gmx_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gmx_replay_events_total",
			Help: "Envelopes replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gmx_replay_duration_seconds",
			Help: "Total replay time",
		}),
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
