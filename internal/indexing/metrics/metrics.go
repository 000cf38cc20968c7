package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksPersisted tracks blocks written per chain and source (backfill, subscriber, reorg)
	BlocksPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_blocks_persisted_total",
			Help: "Total number of blocks upserted",
		},
		[]string{"chain", "source"},
	)

	// Watermark tracks the last synced block per chain
	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_watermark",
			Help: "Highest contiguous block height durably ingested",
		},
		[]string{"chain"},
	)

	// WatermarkRewinds counts explicit rewinds caused by reorgs
	WatermarkRewinds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_watermark_rewinds_total",
			Help: "Total number of watermark rewinds",
		},
		[]string{"chain"},
	)

	// ChainHead tracks the latest block height reported by the provider
	ChainHead = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_chain_head",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// RPCCallsTotal tracks RPC calls per chain and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and error class
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCRetries counts retried attempts
	RPCRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_retries_total",
			Help: "Total number of retried RPC operations",
		},
		[]string{"chain", "operation"},
	)

	// BackfillBatches tracks completed backfill batches
	BackfillBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_backfill_batches_total",
			Help: "Total number of backfill batches by outcome",
		},
		[]string{"chain", "status"},
	)

	// BackfillRemaining tracks heights left in the current backfill range
	BackfillRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_backfill_remaining_blocks",
			Help: "Heights not yet persisted by the backfill pool",
		},
		[]string{"chain"},
	)

	// ReorgsDetected counts detected reorgs
	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_reorgs_detected_total",
			Help: "Total number of reorgs reconciled",
		},
		[]string{"chain"},
	)

	// ReorgDepth records how many heights each reorg replaced
	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_reorg_depth_blocks",
			Help:    "Number of heights replaced per reorg",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 64, 128},
		},
		[]string{"chain"},
	)

	// SubscriberState exposes the subscriber state as a labelled gauge (1 = current)
	SubscriberState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_subscriber_state",
			Help: "Current live head subscriber state",
		},
		[]string{"chain", "state"},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsync_db_connection_pool_usage_percent",
			Help: "Open connections as a percentage of the pool limit",
		},
	)
)
