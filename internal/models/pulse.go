// internal/models/pulse.go
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PulseType is the closed set of pulse kinds.
type PulseType int

const (
	PulseHeartbeat PulseType = iota + 1
	PulseMessage
	PulseCheckIn
	PulseEmergency
)

var pulseTypeNames = map[PulseType]string{
	PulseHeartbeat: "heartbeat",
	PulseMessage:   "message",
	PulseCheckIn:   "check_in",
	PulseEmergency: "emergency",
}

func (p PulseType) String() string {
	if name, ok := pulseTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PulseType(%d)", int(p))
}

func (p PulseType) Valid() bool {
	_, ok := pulseTypeNames[p]
	return ok
}

// ParsePulseType converts the wire name to a PulseType.
func ParsePulseType(s string) (PulseType, error) {
	for k, v := range pulseTypeNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown pulse type %q", s)
}

func (p PulseType) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid pulse type %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *PulseType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePulseType(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PulseStatus is the sender's self-reported state.
type PulseStatus string

const (
	PulseStatusOK         PulseStatus = "ok"
	PulseStatusStruggling PulseStatus = "struggling"
	PulseStatusThinking   PulseStatus = "thinking_of_you"
	PulseStatusCrisis     PulseStatus = "crisis"
)

// Pulse is an append-only event on a tether.
type Pulse struct {
	ID             string      `json:"id"`
	TetherID       string      `json:"tether_id"`
	SenderID       string      `json:"sender_id"`
	Type           PulseType   `json:"type"`
	Strength       float64     `json:"strength"`
	Mood           int         `json:"mood"`
	Status         PulseStatus `json:"status"`
	Message        string      `json:"message,omitempty"`
	IsEmergency    bool        `json:"is_emergency"`
	Urgency        Urgency     `json:"urgency"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
}

// IsPositive is the signal fed into strength recomputation.
func (p *Pulse) IsPositive() bool {
	if p.IsEmergency {
		return false
	}
	return p.Status == PulseStatusOK || p.Status == PulseStatusThinking || p.Mood >= 6
}

// PulseStats summarises pulse history for strength recomputation.
type PulseStats struct {
	MessageCount          int           `json:"message_count"`
	PositiveCount         int           `json:"positive_count"`
	TotalCount            int           `json:"total_count"`
	AverageAckLatency     time.Duration `json:"average_ack_latency"`
	AcknowledgedCount     int           `json:"acknowledged_count"`
	BestEmergencyResponse time.Duration `json:"best_emergency_response"`
}
