package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Layout metrics
	LayoutVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_layout_version",
			Help: "Currently active cluster layout version",
		},
	)

	PartitionsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_partitions_owned",
			Help: "Number of partitions this node holds a replica of",
		},
	)

	LayoutComputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_layout_compute_duration_seconds",
			Help:    "Time taken to compute a partition assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Table metrics
	TableOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_table_ops_total",
			Help: "Total table operations by table, operation, and outcome",
		},
		[]string{"table", "op", "outcome"},
	)

	TableOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_table_op_duration_seconds",
			Help:    "Table operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "op"},
	)

	QuorumFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_quorum_failures_total",
			Help: "Total quorum failures by table and kind (quorum, timeout)",
		},
		[]string{"table", "kind"},
	)

	ReadRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_read_repairs_total",
			Help: "Total read-repair writes scheduled by table",
		},
		[]string{"table"},
	)

	MailboxOverflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_mailbox_overflows_total",
			Help: "Writes rejected with Busy because a partition mailbox was full",
		},
		[]string{"table"},
	)

	// Anti-entropy metrics
	SyncRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_sync_rounds_total",
			Help: "Anti-entropy rounds by table and outcome (clean, repaired, failed)",
		},
		[]string{"table", "outcome"},
	)

	SyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_sync_items_total",
			Help: "Items exchanged during anti-entropy by table and direction",
		},
		[]string{"table", "direction"},
	)

	MerkleDivergence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_merkle_divergence",
			Help: "Leaf buckets found divergent in the last sync round per table",
		},
		[]string{"table"},
	)

	TombstonesPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_tombstones_purged_total",
			Help: "Tombstones dropped after the grace period by table",
		},
		[]string{"table"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_rpc_requests_total",
			Help: "Total RPC requests by service and status",
		},
		[]string{"service", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ProtocolErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_protocol_errors_total",
			Help: "Malformed or unauthenticated requests dropped",
		},
	)

	PeersUnreachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_peers_unreachable",
			Help: "Peers currently considered unreachable by the transport",
		},
	)
)

func init() {
	prometheus.MustRegister(LayoutVersion)
	prometheus.MustRegister(PartitionsOwned)
	prometheus.MustRegister(LayoutComputeDuration)
	prometheus.MustRegister(TableOpsTotal)
	prometheus.MustRegister(TableOpDuration)
	prometheus.MustRegister(QuorumFailuresTotal)
	prometheus.MustRegister(ReadRepairsTotal)
	prometheus.MustRegister(MailboxOverflowsTotal)
	prometheus.MustRegister(SyncRoundsTotal)
	prometheus.MustRegister(SyncItemsTotal)
	prometheus.MustRegister(MerkleDivergence)
	prometheus.MustRegister(TombstonesPurgedTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(ProtocolErrorsTotal)
	prometheus.MustRegister(PeersUnreachable)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
