// internal/models/emergency.go
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Urgency is ordered: LOW < MEDIUM < HIGH < CRITICAL.
type Urgency int

const (
	UrgencyNone Urgency = iota
	UrgencyLow
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = map[Urgency]string{
	UrgencyNone:     "NONE",
	UrgencyLow:      "LOW",
	UrgencyMedium:   "MEDIUM",
	UrgencyHigh:     "HIGH",
	UrgencyCritical: "CRITICAL",
}

func (u Urgency) String() string {
	if name, ok := urgencyNames[u]; ok {
		return name
	}
	return fmt.Sprintf("Urgency(%d)", int(u))
}

// ParseUrgency is case-insensitive.
func ParseUrgency(s string) (Urgency, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for k, v := range urgencyNames {
		if v == upper {
			return k, nil
		}
	}
	return UrgencyNone, fmt.Errorf("unknown urgency %q", s)
}

func (u Urgency) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Urgency) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseUrgency(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Category is the closed set of emergency kinds.
type Category string

const (
	CategoryCrisis   Category = "crisis"
	CategorySelfHarm Category = "self_harm"
	CategoryMedical  Category = "medical"
	CategorySafety   Category = "safety"
	CategoryPanic    Category = "panic"
	CategoryOther    Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryCrisis, CategorySelfHarm, CategoryMedical, CategorySafety, CategoryPanic, CategoryOther:
		return true
	}
	return false
}

// CaseStatus tracks an escalation case. ACTIVE → ACKNOWLEDGED → RESPONDING →
// RESOLVED, with ESCALATED as the alternate terminal state.
type CaseStatus string

const (
	CaseActive       CaseStatus = "ACTIVE"
	CaseAcknowledged CaseStatus = "ACKNOWLEDGED"
	CaseResponding   CaseStatus = "RESPONDING"
	CaseResolved     CaseStatus = "RESOLVED"
	CaseEscalated    CaseStatus = "ESCALATED"
)

// Terminal reports whether no further transitions are allowed.
func (s CaseStatus) Terminal() bool {
	return s == CaseResolved || s == CaseEscalated
}

// Location is the optional position attached to an emergency.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Trigger is the caller-supplied payload that opens an escalation case.
type Trigger struct {
	TriggeredBy string    `json:"triggered_by"`
	Urgency     Urgency   `json:"urgency"`
	Category    Category  `json:"category"`
	Message     string    `json:"message,omitempty"`
	Location    *Location `json:"location,omitempty"`
	Responders  []string  `json:"responders,omitempty"`
}

// EmergencyCase is an escalation case tracked from activation to resolution.
type EmergencyCase struct {
	ID               string     `json:"id"`
	TetherID         string     `json:"tether_id"`
	TriggeredBy      string     `json:"triggered_by"`
	Urgency          Urgency    `json:"urgency"`
	Category         Category   `json:"category"`
	Message          string     `json:"message,omitempty"`
	Location         *Location  `json:"location,omitempty"`
	Responders       []string   `json:"responders"`
	Status           CaseStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	ActionTaken      string     `json:"action_taken,omitempty"`
	FollowUpRequired bool       `json:"follow_up_required"`
	Outcome          CaseStatus `json:"outcome,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *EmergencyCase) Clone() *EmergencyCase {
	out := *c
	out.Responders = append([]string(nil), c.Responders...)
	if c.Location != nil {
		loc := *c.Location
		out.Location = &loc
	}
	out.AcknowledgedAt = copyTime(c.AcknowledgedAt)
	out.RespondedAt = copyTime(c.RespondedAt)
	out.ResolvedAt = copyTime(c.ResolvedAt)
	out.EscalatedAt = copyTime(c.EscalatedAt)
	return &out
}

// ResponseTime is measured from acknowledgement if present, else from activation.
func (c *EmergencyCase) ResponseTime() (time.Duration, bool) {
	if c.RespondedAt == nil {
		return 0, false
	}
	start := c.CreatedAt
	if c.AcknowledgedAt != nil {
		start = *c.AcknowledgedAt
	}
	return c.RespondedAt.Sub(start), true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
