// Package transport delivers responder notifications and tether messages.
// Delivery is best effort; callers only learn whether an attempt was made.
package transport

import (
	"context"
	"time"

	"peer-tether/internal/models"
)

type NotificationKind string

const (
	KindEmergencyActivated NotificationKind = "emergency_activated"
	KindEmergencyEscalated NotificationKind = "emergency_escalated"
	KindConnectionIssue    NotificationKind = "connection_issue"
)

// Notification is sent to the responders of an emergency case.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	CaseID     string           `json:"case_id,omitempty"`
	TetherID   string           `json:"tether_id"`
	Recipients []string         `json:"recipients,omitempty"`
	Urgency    models.Urgency   `json:"urgency"`
	Category   models.Category  `json:"category,omitempty"`
	Message    string           `json:"message,omitempty"`
	Location   *models.Location `json:"location,omitempty"`
	SentAt     time.Time        `json:"sent_at"`
}

// Message is a pulse relayed to the other side of a tether.
type Message struct {
	TetherID    string           `json:"tether_id"`
	PulseID     string           `json:"pulse_id"`
	SenderID    string           `json:"sender_id"`
	RecipientID string           `json:"recipient_id"`
	Type        models.PulseType `json:"type"`
	Status      string           `json:"status,omitempty"`
	Body        string           `json:"body,omitempty"`
	SentAt      time.Time        `json:"sent_at"`
}

type Notifier interface {
	NotifyResponders(ctx context.Context, n Notification) error
	DeliverMessage(ctx context.Context, m Message) error
}
