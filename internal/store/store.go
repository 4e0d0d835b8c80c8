// Package store defines the durable record of tethers, pulses and emergency
// cases. Tethers are never hard-deleted; pulses are append-only.
package store

import (
	"context"
	"time"

	"peer-tether/internal/models"
)

type Store interface {
	CreateTether(ctx context.Context, t *models.Tether) error
	// GetTether returns ErrConnectionNotFound for unknown ids.
	GetTether(ctx context.Context, id string) (*models.Tether, error)
	// UpdateTether writes every mutable column except emergency_active,
	// which only SetEmergencyActive changes.
	UpdateTether(ctx context.Context, t *models.Tether) error
	SetEmergencyActive(ctx context.Context, tetherID string, active bool) error
	// UpdateScores and SetMissedPulses apply only while the stored
	// last_pulse_at still equals lastPulseAt, and report whether they did.
	UpdateScores(ctx context.Context, tetherID string, strength, trust float64, lastPulseAt time.Time) (bool, error)
	SetMissedPulses(ctx context.Context, tetherID string, missed int, lastPulseAt time.Time) (bool, error)
	// ListActiveTethers pages through active tethers ordered by id.
	ListActiveTethers(ctx context.Context, limit, offset int) ([]*models.Tether, error)
	// ListUserTethers returns the active tethers the user is either end of.
	ListUserTethers(ctx context.Context, userID string) ([]*models.Tether, error)
	// CountActiveConnections counts active tethers of the user that have no
	// emergency in progress.
	CountActiveConnections(ctx context.Context, userID string) (int, error)
	// DeactivateIdle marks active tethers with no activity since cutoff as
	// inactive and returns how many changed.
	DeactivateIdle(ctx context.Context, cutoff time.Time) (int, error)

	SavePulse(ctx context.Context, p *models.Pulse) error
	// GetPulse returns ErrPulseNotFound unless the pulse belongs to the tether.
	GetPulse(ctx context.Context, tetherID, pulseID string) (*models.Pulse, error)
	// AcknowledgePulse stamps acknowledged_at once; it reports false when the
	// pulse was already acknowledged.
	AcknowledgePulse(ctx context.Context, tetherID, pulseID string, at time.Time) (bool, error)
	// PulseStats summarises pulses and emergency responses since the given time.
	PulseStats(ctx context.Context, tetherID string, since time.Time) (models.PulseStats, error)

	SaveEmergencyCase(ctx context.Context, c *models.EmergencyCase) error
	UpdateEmergencyCase(ctx context.Context, c *models.EmergencyCase) error

	Ping(ctx context.Context) error
	Close() error
}

// CloneTether copies the slice fields so callers cannot alias stored state.
func CloneTether(t *models.Tether) *models.Tether {
	out := *t
	out.SharedSpecialties = append([]string(nil), t.SharedSpecialties...)
	out.SharedLanguages = append([]string(nil), t.SharedLanguages...)
	return &out
}
