package connection

import (
	"math"
	"time"

	"peer-tether/internal/models"
)

// Term weights. They sum to 1.
const (
	weightMessages  = 0.30
	weightAck       = 0.20
	weightPositive  = 0.20
	weightEmergency = 0.15
	weightAge       = 0.15

	messageSaturation = 100
	ackCeiling        = time.Hour
	emergencyCeiling  = 5 * time.Minute
	ageSaturationDays = 90
	trustMultiplier   = 1.2
)

// StrengthInputs is the interaction history a strength score is computed
// from. Zero AcknowledgedCount means no acknowledgement data and zero
// BestEmergencyResponse means no answered emergency; both then contribute
// nothing.
type StrengthInputs struct {
	MessageCount          int
	AverageAckLatency     time.Duration
	AcknowledgedCount     int
	PositiveCount         int
	TotalCount            int
	BestEmergencyResponse time.Duration
	AgeDays               float64
}

// InputsFrom combines stored pulse statistics with the tether's age.
func InputsFrom(stats models.PulseStats, ageDays float64) StrengthInputs {
	return StrengthInputs{
		MessageCount:          stats.MessageCount,
		AverageAckLatency:     stats.AverageAckLatency,
		AcknowledgedCount:     stats.AcknowledgedCount,
		PositiveCount:         stats.PositiveCount,
		TotalCount:            stats.TotalCount,
		BestEmergencyResponse: stats.BestEmergencyResponse,
		AgeDays:               ageDays,
	}
}

// CalculateStrength returns strength and trust, both in [0,1].
func CalculateStrength(in StrengthInputs) (strength, trust float64) {
	strength += math.Min(float64(max(in.MessageCount, 0))/messageSaturation, 1) * weightMessages

	if in.AcknowledgedCount > 0 {
		strength += math.Max(0, 1-in.AverageAckLatency.Seconds()/ackCeiling.Seconds()) * weightAck
	}

	if in.TotalCount > 0 {
		ratio := float64(in.PositiveCount) / float64(in.TotalCount)
		strength += math.Min(math.Max(ratio, 0), 1) * weightPositive
	}

	if in.BestEmergencyResponse > 0 {
		strength += math.Max(0, 1-in.BestEmergencyResponse.Seconds()/emergencyCeiling.Seconds()) * weightEmergency
	}

	if in.AgeDays > 0 {
		strength += math.Min(in.AgeDays/ageSaturationDays, 1) * weightAge
	}

	strength = math.Min(round4(strength), 1)
	trust = math.Min(round4(strength*trustMultiplier), 1)
	return strength, trust
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
