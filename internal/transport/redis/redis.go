// Package redis is the real-time transport: pub/sub fan-out for connected
// clients plus a bounded per-user inbox for clients that are offline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/transport"
)

const (
	defaultPrefix = "tether"
	inboxLimit    = 100
	inboxTTL      = 24 * time.Hour
)

type EnvelopeKind string

const (
	EnvelopeNotification EnvelopeKind = "notification"
	EnvelopeMessage      EnvelopeKind = "message"
)

// Envelope is the JSON payload published on channels and stored in inboxes.
type Envelope struct {
	Kind         EnvelopeKind            `json:"kind"`
	Notification *transport.Notification `json:"notification,omitempty"`
	Message      *transport.Message      `json:"message,omitempty"`
}

type Notifier struct {
	client goredis.UniversalClient
	prefix string
	log    logger.Logger
}

var _ transport.Notifier = (*Notifier)(nil)

func New(client goredis.UniversalClient, prefix string, log logger.Logger) *Notifier {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Notifier{
		client: client,
		prefix: prefix,
		log:    log.WithFields(map[string]interface{}{"component": "redis_transport"}),
	}
}

func (n *Notifier) EmergencyChannel() string { return n.prefix + ":emergency" }

func (n *Notifier) TetherChannel(tetherID string) string { return n.prefix + ":tether:" + tetherID }

func (n *Notifier) inboxKey(userID string) string { return n.prefix + ":inbox:" + userID }

// NotifyResponders publishes on the emergency channel and queues the
// notification in each recipient's inbox.
func (n *Notifier) NotifyResponders(ctx context.Context, note transport.Notification) error {
	payload, err := json.Marshal(Envelope{Kind: EnvelopeNotification, Notification: &note})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	_, err = n.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Publish(ctx, n.EmergencyChannel(), payload)
		for _, r := range note.Recipients {
			n.queue(ctx, p, r, payload)
		}
		return nil
	})
	if err != nil {
		return apperrors.NewNotificationSendFailedError("redis", err)
	}

	n.log.Debug("Responder notification published", map[string]interface{}{
		"caseId":     note.CaseID,
		"kind":       string(note.Kind),
		"recipients": len(note.Recipients),
	})
	return nil
}

// DeliverMessage publishes on the tether channel and queues the message for
// the recipient.
func (n *Notifier) DeliverMessage(ctx context.Context, m transport.Message) error {
	if m.RecipientID == "" {
		return apperrors.NewValidationFailedError("recipient id is required")
	}
	payload, err := json.Marshal(Envelope{Kind: EnvelopeMessage, Message: &m})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	_, err = n.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Publish(ctx, n.TetherChannel(m.TetherID), payload)
		n.queue(ctx, p, m.RecipientID, payload)
		return nil
	})
	if err != nil {
		return apperrors.NewNotificationSendFailedError("redis", err)
	}
	return nil
}

func (n *Notifier) queue(ctx context.Context, p goredis.Pipeliner, userID string, payload []byte) {
	key := n.inboxKey(userID)
	p.LPush(ctx, key, payload)
	p.LTrim(ctx, key, 0, inboxLimit-1)
	p.Expire(ctx, key, inboxTTL)
}

// Inbox returns up to limit queued envelopes for a user, newest first.
func (n *Notifier) Inbox(ctx context.Context, userID string, limit int) ([]Envelope, error) {
	if limit <= 0 || limit > inboxLimit {
		limit = inboxLimit
	}
	raw, err := n.client.LRange(ctx, n.inboxKey(userID), 0, int64(limit-1)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewExternalServiceError("redis", err)
	}

	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			n.log.Warn("Skipping malformed inbox entry", map[string]interface{}{
				"userId": userID,
				"error":  err,
			})
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (n *Notifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
