// Package metrics exposes the Prometheus instrumentation for the session
// identity engine, grounded on the teacher's internal/metrics/metrics.go
// naming and registration style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IdentitiesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqsession_identities_created_total",
			Help: "Total number of session identities created during reconciliation",
		},
	)

	IdentitiesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqsession_identities_removed_total",
			Help: "Total number of stale session identities removed during reconciliation",
		},
	)

	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqsession_refreshes_total",
			Help: "Total number of identity refresh attempts",
		},
		[]string{"result"}, // success, short_circuit, store_error, invalid_signature, drained_keys, transport_error
	)

	RefreshLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pqsession_refresh_latency_seconds",
			Help:    "Latency of an identity refresh pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqsession_rotations_total",
			Help: "Total number of key rotations performed",
		},
		[]string{"kind"}, // pqkem, compromise
	)

	RefillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqsession_refills_total",
			Help: "Total number of one-time key refill batches published",
		},
		[]string{"kind"}, // classical, pqkem
	)

	OneTimeClassicalReserve = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pqsession_one_time_classical_reserve",
			Help: "Count of classical one-time keys in the local active configuration",
		},
		[]string{"secret_name"},
	)

	OneTimePQKemReserve = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pqsession_one_time_pqkem_reserve",
			Help: "Count of PQ-KEM one-time keys in the local active configuration",
		},
		[]string{"secret_name"},
	)

	RefreshedNamesCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pqsession_refreshed_names_cache_size",
			Help: "Current size of the in-memory refreshed-names memoization set",
		},
	)
)

// RecordRefresh records the terminal result of a refresh attempt.
func RecordRefresh(result string) {
	RefreshesTotal.WithLabelValues(result).Inc()
}

// RecordRotation records a completed key rotation of the given kind.
func RecordRotation(kind string) {
	RotationsTotal.WithLabelValues(kind).Inc()
}

// RecordRefill records a completed one-time key refill batch of the given
// kind.
func RecordRefill(kind string) {
	RefillsTotal.WithLabelValues(kind).Inc()
}

// UpdateReserves sets the one-time key reserve gauges for a local user
// from the given counts.
func UpdateReserves(secretName string, classical, pqkem int) {
	OneTimeClassicalReserve.WithLabelValues(secretName).Set(float64(classical))
	OneTimePQKemReserve.WithLabelValues(secretName).Set(float64(pqkem))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
