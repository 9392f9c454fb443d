// Package metrics holds the Prometheus instrumentation for the ingestion
// core, in the same flat var-block-plus-Register() shape as the teacher's
// internal/metrics package.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PointsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_points_written_total",
			Help: "Total points reported by successful insert responses, counting every pool of each request; labelled by the pool that answered the client.",
		},
		[]string{"pool"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_decode_errors_total",
			Help: "Decode failures by error code.",
		},
		[]string{"code"},
	)

	RouteDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_route_decisions_total",
			Help: "Routing decisions by destination pool and reindex state.",
		},
		[]string{"pool", "reindexing"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbingest_dispatch_duration_seconds",
			Help:    "End-to-end dispatch latency from post to aggregate response.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"outcome"},
	)

	PeerSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_peer_sends_total",
			Help: "Peer pool sends by outcome (ok, rejected, timeout, nack).",
		},
		[]string{"pool", "outcome"},
	)

	ForwardedSeriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_forwarded_series_total",
			Help: "Series forwarded verbatim by the test LocalApply variant during re-indexing.",
		},
		[]string{"dest_pool"},
	)

	CriticalErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdbingest_critical_errors_total",
			Help: "Times the ErrorBus was raised.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbingest_db_write_duration_seconds",
			Help:    "Shard write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_db_rows_affected_total",
			Help: "Shard rows written.",
		},
		[]string{"pipeline", "table", "op"},
	)

	ReplicaEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbingest_replica_enqueued_total",
			Help: "Packets enqueued to the replica subsystem.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		doRegister()
	})
}

func doRegister() {
	prometheus.MustRegister(
		PointsWrittenTotal,
		DecodeErrorsTotal,
		RouteDecisionsTotal,
		DispatchDuration,
		PeerSendsTotal,
		ForwardedSeriesTotal,
		CriticalErrorsTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		ReplicaEnqueuedTotal,
	)
}
