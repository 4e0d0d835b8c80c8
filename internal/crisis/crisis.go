// Package crisis hands severe emergencies to an external crisis service.
package crisis

import (
	"context"
	"time"

	"peer-tether/internal/models"
)

// Request describes one hand-off to the crisis service.
type Request struct {
	CaseID      string           `json:"case_id"`
	TetherID    string           `json:"tether_id"`
	TriggeredBy string           `json:"triggered_by"`
	Urgency     models.Urgency   `json:"urgency"`
	Category    models.Category  `json:"category"`
	Message     string           `json:"message,omitempty"`
	Location    *models.Location `json:"location,omitempty"`
	Reason      string           `json:"reason"`
	RequestedAt time.Time        `json:"requested_at"`
}

// NewRequest builds a hand-off from a case snapshot.
func NewRequest(c *models.EmergencyCase, reason string, at time.Time) Request {
	return Request{
		CaseID:      c.ID,
		TetherID:    c.TetherID,
		TriggeredBy: c.TriggeredBy,
		Urgency:     c.Urgency,
		Category:    c.Category,
		Message:     c.Message,
		Location:    c.Location,
		Reason:      reason,
		RequestedAt: at,
	}
}

// Service escalates to humans. Failures are logged by the caller and never
// retried synchronously.
type Service interface {
	Escalate(ctx context.Context, req Request) error
}

// Noop is used when no crisis service is configured.
type Noop struct{}

func (Noop) Escalate(context.Context, Request) error { return nil }

// CaseCloser is implemented by services that track a case after hand-off and
// need to hear when it is resolved or escalated.
type CaseCloser interface {
	CaseClosed(ctx context.Context, c *models.EmergencyCase) error
}
