package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relayer"

// Metrics holds the relay's Prometheus collectors
type Metrics struct {
	RelayRequests      *prometheus.CounterVec
	SubmissionOutcomes *prometheus.CounterVec
	NonceReservations  *prometheus.CounterVec
	ReconciledRecords  *prometheus.CounterVec
	InDoubtNonces      prometheus.Gauge
	RecoveryListSize   prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relay requests by result.",
		}, []string{"result"}),
		SubmissionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_outcomes_total",
			Help:      "Transaction broadcasts by classified outcome.",
		}, []string{"outcome"}),
		NonceReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_reservations_total",
			Help:      "Relayer nonce reservations by source (fresh, recovered, failed).",
		}, []string{"source"}),
		ReconciledRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_records_total",
			Help:      "Relay records moved to a terminal status.",
		}, []string{"status"}),
		InDoubtNonces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_doubt_nonces",
			Help:      "Relayer nonces whose broadcast outcome is unknown.",
		}),
		RecoveryListSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_list_size",
			Help:      "Released relayer nonces waiting to be reused.",
		}),
	}

	reg.MustRegister(
		m.RelayRequests,
		m.SubmissionOutcomes,
		m.NonceReservations,
		m.ReconciledRecords,
		m.InDoubtNonces,
		m.RecoveryListSize,
	)
	return m
}

// NewNop returns collectors registered with a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
