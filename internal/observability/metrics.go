package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the simulator.
type Metrics struct {
	// --- Chain ---
	BlocksCommitted    prometheus.Counter
	ChainHeight        prometheus.Gauge
	TxExecuted         *prometheus.CounterVec
	BlockDuration      prometheus.Histogram
	BlockTxs           prometheus.Histogram
	MempoolSize        prometheus.Gauge
	SupplyChecks       prometheus.Counter
	GasSettled         prometheus.Counter
	StateHashDur       prometheus.Histogram
	PersistBlocked     prometheus.Counter
	FeedDrops          *prometheus.CounterVec
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Simulation ---
	EpochsCompleted prometheus.Counter
	OraclePrice     *prometheus.GaugeVec
	OracleOffset    *prometheus.GaugeVec
	PoolReserve     *prometheus.GaugeVec
	AgentActions    *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages     *prometheus.CounterVec
	IngestDuplicates   *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge
	DedupLRUEvictions  prometheus.Counter
	DedupTier2Duration prometheus.Histogram
	PublishErrors      prometheus.Counter

	// --- Persistence ---
	PersistBlocksWritten prometheus.Counter
	PersistTxsWritten    prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastBlock     prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionErrors    *prometheus.CounterVec

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	QueryRateLimited prometheus.Counter
	WebsocketClients prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	blockBuckets := []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1}

	return &Metrics{
		// Chain
		BlocksCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_chain_blocks_committed_total",
			Help: "Blocks committed by the ledger",
		}),

		ChainHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dexsim_chain_height",
			Help: "Number of committed blocks",
		}),

		TxExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_chain_tx_executed_total",
			Help: "Transactions executed at block commit",
		}, []string{"function", "status"}),

		BlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_chain_block_commit_duration_seconds",
			Help:    "Time to execute and commit one block",
			Buckets: blockBuckets,
		}),

		BlockTxs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_chain_block_transactions",
			Help:    "Transactions per committed block",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),

		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "dexsim_chain_mempool_size",
			Help: "Pending transactions",
		}),

		SupplyChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_chain_supply_checks_total",
			Help: "Token conservation checks run",
		}),

		GasSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_chain_gas_settled_total",
			Help: "Gas fees credited to producers",
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_chain_state_hash_duration_seconds",
			Help:    "Time to compute a block state hash",
			Buckets: latencyBuckets,
		}),

		PersistBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_chain_persist_backpressure_total",
			Help: "Times commit blocked on the persist channel",
		}),

		FeedDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_feed_drops_total",
			Help: "Blocks dropped due to a full feed channel",
		}, []string{"feed"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexsim_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexsim_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexsim_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// Simulation
		EpochsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_sim_epochs_completed_total",
			Help: "Epochs run to completion",
		}),

		OraclePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexsim_oracle_price",
			Help: "Current oracle reference price",
		}, []string{"token"}),

		OracleOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexsim_oracle_offset",
			Help: "Current random-walk offset from the epoch target",
		}, []string{"token"}),

		PoolReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexsim_pool_reserve",
			Help: "Pool reserve after the latest block",
		}, []string{"contract", "pair", "token"}),

		AgentActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_agent_actions_total",
			Help: "Transactions submitted by agents",
		}, []string{"agent"}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_ingest_messages_total",
			Help: "Transaction messages received",
		}, []string{"result"}),

		IngestDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_ingest_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "dexsim_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_publish_errors_total",
			Help: "Failed block publishes",
		}),

		// Persistence
		PersistBlocksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_persist_blocks_written_total",
			Help: "Blocks written to Postgres",
		}),

		PersistTxsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_persist_transactions_written_total",
			Help: "Transaction receipts written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_persist_batch_size",
			Help:    "Blocks per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "dexsim_persist_last_block",
			Help: "Last persisted block number",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexsim_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "dexsim_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dexsim_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_projection_errors_total",
			Help: "Projection update failures",
		}, []string{"projection"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dexsim_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dexsim_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		QueryRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "dexsim_query_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),

		WebsocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "dexsim_websocket_clients",
			Help: "Connected block feed clients",
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
