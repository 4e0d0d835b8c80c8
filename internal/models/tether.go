// internal/models/tether.go
package models

import (
	"time"
)

// TetherStatus controls whether a tether shows up in the active view.
type TetherStatus string

const (
	TetherStatusActive   TetherStatus = "active"
	TetherStatusInactive TetherStatus = "inactive"
)

// Tether is the persistent record of a seeker/supporter bond. Field names are
// stable: dashboards and audit tooling read them directly.
type Tether struct {
	ID                string        `json:"id" db:"id"`
	SeekerID          string        `json:"seeker_id" db:"seeker_id"`
	SupporterID       string        `json:"supporter_id" db:"supporter_id"`
	Strength          float64       `json:"strength" db:"strength"`
	Trust             float64       `json:"trust" db:"trust"`
	MatchingScore     float64       `json:"matching_score" db:"matching_score"`
	SharedSpecialties []string      `json:"shared_specialties" db:"shared_specialties"`
	SharedLanguages   []string      `json:"shared_languages" db:"shared_languages"`
	PulseInterval     time.Duration `json:"pulse_interval" db:"pulse_interval"`
	EmergencyActive   bool          `json:"emergency_active" db:"emergency_active"`
	LastActivityAt    time.Time     `json:"last_activity_at" db:"last_activity_at"`
	LastPulseAt       time.Time     `json:"last_pulse_at" db:"last_pulse_at"`
	MissedPulses      int           `json:"missed_pulses" db:"missed_pulses"`
	Status            TetherStatus  `json:"status" db:"status"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// Involves reports whether userID is either end of the tether.
func (t *Tether) Involves(userID string) bool {
	return t.SeekerID == userID || t.SupporterID == userID
}

// Peer returns the other end of the tether for userID.
func (t *Tether) Peer(userID string) string {
	if t.SeekerID == userID {
		return t.SupporterID
	}
	return t.SeekerID
}

// AgeDays is the connection age in whole-and-fractional days.
func (t *Tether) AgeDays(now time.Time) float64 {
	if t.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(t.CreatedAt).Hours() / 24
}

// Clamp keeps strength and trust inside [0,1].
func (t *Tether) Clamp() {
	t.Strength = clampUnit(t.Strength)
	t.Trust = clampUnit(t.Trust)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
