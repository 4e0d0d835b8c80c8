package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"peer-tether/internal/models"
)

func TestCalculateStrength_NoHistory(t *testing.T) {
	strength, trust := CalculateStrength(StrengthInputs{})
	assert.Equal(t, 0.0, strength)
	assert.Equal(t, 0.0, trust)
}

func TestCalculateStrength_Saturated(t *testing.T) {
	strength, trust := CalculateStrength(StrengthInputs{
		MessageCount:          250,
		AcknowledgedCount:     10,
		AverageAckLatency:     0,
		PositiveCount:         40,
		TotalCount:            40,
		BestEmergencyResponse: time.Millisecond,
		AgeDays:               400,
	})
	assert.Equal(t, 1.0, strength)
	assert.Equal(t, 1.0, trust)
}

func TestCalculateStrength_Terms(t *testing.T) {
	tests := []struct {
		name string
		in   StrengthInputs
		want float64
	}{
		{"half message saturation", StrengthInputs{MessageCount: 50}, 0.15},
		{"ack in half the ceiling", StrengthInputs{AcknowledgedCount: 1, AverageAckLatency: 30 * time.Minute}, 0.1},
		{"no ack data", StrengthInputs{AverageAckLatency: 0}, 0},
		{"ack slower than ceiling", StrengthInputs{AcknowledgedCount: 2, AverageAckLatency: 3 * time.Hour}, 0},
		{"three quarters positive", StrengthInputs{PositiveCount: 3, TotalCount: 4}, 0.15},
		{"emergency answered in half the ceiling", StrengthInputs{BestEmergencyResponse: 150 * time.Second}, 0.075},
		{"emergency answered too late", StrengthInputs{BestEmergencyResponse: 10 * time.Minute}, 0},
		{"half age saturation", StrengthInputs{AgeDays: 45}, 0.075},
		{"negative message count", StrengthInputs{MessageCount: -5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strength, _ := CalculateStrength(tt.in)
			assert.InDelta(t, tt.want, strength, 1e-9)
		})
	}
}

func TestCalculateStrength_TrustMultiplier(t *testing.T) {
	strength, trust := CalculateStrength(StrengthInputs{MessageCount: 100, PositiveCount: 1, TotalCount: 1})
	assert.InDelta(t, 0.5, strength, 1e-9)
	assert.InDelta(t, 0.6, trust, 1e-9)

	strength, trust = CalculateStrength(StrengthInputs{MessageCount: 100, PositiveCount: 1, TotalCount: 1, AgeDays: 90})
	assert.InDelta(t, 0.65, strength, 1e-9)
	assert.InDelta(t, 0.78, trust, 1e-9)

	// 0.85 * 1.2 caps at 1.
	_, trust = CalculateStrength(StrengthInputs{MessageCount: 100, PositiveCount: 1, TotalCount: 1, AgeDays: 90, AcknowledgedCount: 1, AverageAckLatency: 0, BestEmergencyResponse: 300 * time.Second})
	assert.Equal(t, 1.0, trust)
}

func TestInputsFrom(t *testing.T) {
	in := InputsFrom(models.PulseStats{
		TotalCount:            12,
		MessageCount:          4,
		PositiveCount:         9,
		AcknowledgedCount:     3,
		AverageAckLatency:     time.Minute,
		BestEmergencyResponse: 45 * time.Second,
	}, 12.5)

	assert.Equal(t, StrengthInputs{
		MessageCount:          4,
		AverageAckLatency:     time.Minute,
		AcknowledgedCount:     3,
		PositiveCount:         9,
		TotalCount:            12,
		BestEmergencyResponse: 45 * time.Second,
		AgeDays:               12.5,
	}, in)
}
