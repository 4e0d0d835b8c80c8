// internal/models/health.go
package models

import "time"

// Quality tiers, best to worst.
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityPoor
	QualityCritical
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "EXCELLENT"
	case QualityGood:
		return "GOOD"
	case QualityPoor:
		return "POOR"
	default:
		return "CRITICAL"
	}
}

// Status is the connection-facing name for the same tier.
func (q Quality) Status() HealthStatus {
	switch q {
	case QualityExcellent:
		return HealthHealthy
	case QualityGood:
		return HealthDegraded
	case QualityPoor:
		return HealthUnstable
	default:
		return HealthDisconnected
	}
}

func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

type HealthStatus string

const (
	HealthHealthy      HealthStatus = "HEALTHY"
	HealthDegraded     HealthStatus = "DEGRADED"
	HealthUnstable     HealthStatus = "UNSTABLE"
	HealthDisconnected HealthStatus = "DISCONNECTED"
)

// HealthSnapshot is derived from recent heartbeat history and never stored.
type HealthSnapshot struct {
	TetherID         string       `json:"tether_id"`
	UptimePercent    float64      `json:"uptime_percent"`
	AverageLatencyMs float64      `json:"average_latency_ms"`
	PacketLoss       float64      `json:"packet_loss"`
	JitterMs         float64      `json:"jitter_ms"`
	MissedBeats      int          `json:"missed_beats"`
	Status           HealthStatus `json:"status"`
	Quality          Quality      `json:"quality"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
}

// SystemHealth is the overall verdict used to gate operational alerts.
type SystemHealth string

const (
	SystemHealthy  SystemHealth = "HEALTHY"
	SystemDegraded SystemHealth = "DEGRADED"
	SystemCritical SystemHealth = "CRITICAL"
)
