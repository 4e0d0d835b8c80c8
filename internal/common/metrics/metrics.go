// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_sessions_active",
			Help: "Number of live encryption sessions held in memory",
		},
	)

	CryptoOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_crypto_operations_total",
			Help: "Total number of session crypto operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	CryptoDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_crypto_operation_duration_seconds",
			Help:    "Duration of session crypto operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation"},
	)

	PulsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_pulses_total",
			Help: "Total number of pulses recorded by type",
		},
		[]string{"type"},
	)

	PulsesAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_pulses_acknowledged_total",
			Help: "Total number of pulses acknowledged by the peer",
		},
	)

	ConnectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_connections_created_total",
			Help: "Connection creation attempts by outcome",
		},
		[]string{"outcome"},
	)

	EmergenciesActivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_emergencies_activated_total",
			Help: "Total number of emergency cases opened by urgency",
		},
		[]string{"urgency"},
	)

	EmergenciesEscalated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_emergencies_escalated_total",
			Help: "Total number of emergency cases escalated by reason",
		},
		[]string{"reason"},
	)

	EmergencyActivationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tether_emergency_activation_seconds",
			Help:    "End-to-end emergency activation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	ConnectionOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_connection_operation_duration_seconds",
			Help:    "Duration of connection engine operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)

	StrengthRecomputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_strength_recomputations_total",
			Help: "Strength recomputations by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	ConnectionHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_connection_health",
			Help: "Number of monitored connections per health tier",
		},
		[]string{"quality"},
	)
)
