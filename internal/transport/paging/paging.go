// Package paging reaches responders outside the app: SMS through SNS, email
// through SES, and an SNS topic broadcast used as the last-resort channel.
package paging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	awsclients "peer-tether/internal/common/aws"
	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/models"
	"peer-tether/internal/transport"
)

// Contact is how a responder can be reached off-app.
type Contact struct {
	Email string
	Phone string
}

// Directory resolves responder contacts.
type Directory interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

// DirectoryFunc adapts a lookup function to Directory.
type DirectoryFunc func(ctx context.Context, userID string) (Contact, error)

func (f DirectoryFunc) Contact(ctx context.Context, userID string) (Contact, error) {
	return f(ctx, userID)
}

// StaticDirectory is a fixed contact table.
type StaticDirectory map[string]Contact

func (d StaticDirectory) Contact(_ context.Context, userID string) (Contact, error) {
	c, ok := d[userID]
	if !ok {
		return Contact{}, fmt.Errorf("no contact for %s", userID)
	}
	return c, nil
}

type Config struct {
	EmailEnabled bool
	SMSEnabled   bool
	FromEmail    string
	// SMSMinUrgency gates SMS; email goes out for every urgency.
	SMSMinUrgency models.Urgency
}

var templates = map[transport.NotificationKind]struct{ subject, body string }{
	transport.KindEmergencyActivated: {
		subject: "[{{urgency}}] Emergency on your tether",
		body:    "Someone you support raised a {{category}} emergency ({{urgency}}). Case {{caseId}}. {{message}}",
	},
	transport.KindEmergencyEscalated: {
		subject: "[{{urgency}}] Emergency escalated",
		body:    "Case {{caseId}} was escalated to the crisis team. Please stay available. {{message}}",
	},
	transport.KindConnectionIssue: {
		subject: "Tether connection issue",
		body:    "Tether {{tetherId}} stopped receiving heartbeats. {{message}}",
	},
}

func render(tmpl string, n transport.Notification) string {
	out := strings.NewReplacer(
		"{{urgency}}", n.Urgency.String(),
		"{{category}}", string(n.Category),
		"{{caseId}}", n.CaseID,
		"{{tetherId}}", n.TetherID,
		"{{message}}", n.Message,
	).Replace(tmpl)
	return strings.TrimSpace(out)
}

type Notifier struct {
	cfg       Config
	sns       awsclients.SNSAPI
	ses       awsclients.SESAPI
	directory Directory
	log       logger.Logger
}

var _ transport.Notifier = (*Notifier)(nil)

func New(cfg Config, snsClient awsclients.SNSAPI, sesClient awsclients.SESAPI, dir Directory, log logger.Logger) *Notifier {
	if cfg.SMSMinUrgency == models.UrgencyNone {
		cfg.SMSMinUrgency = models.UrgencyHigh
	}
	return &Notifier{
		cfg:       cfg,
		sns:       snsClient,
		ses:       sesClient,
		directory: dir,
		log:       log.WithFields(map[string]interface{}{"component": "paging"}),
	}
}

// NotifyResponders pages each recipient. It fails when no recipient could be
// reached on any channel.
func (p *Notifier) NotifyResponders(ctx context.Context, n transport.Notification) error {
	tmpl, ok := templates[n.Kind]
	if !ok {
		return apperrors.NewValidationFailedError(fmt.Sprintf("no template for %s", n.Kind))
	}
	subject, body := render(tmpl.subject, n), render(tmpl.body, n)

	reached := 0
	var errs []error
	for _, id := range n.Recipients {
		contact, err := p.directory.Contact(ctx, id)
		if err != nil {
			p.log.Warn("Responder contact not found", map[string]interface{}{
				"responderId": id,
				"error":       err,
			})
			continue
		}

		delivered := false
		if p.cfg.EmailEnabled && contact.Email != "" {
			if err := p.sendEmail(ctx, contact.Email, subject, body); err != nil {
				errs = append(errs, err)
				p.log.Error("Email send failed", map[string]interface{}{"responderId": id, "error": err})
			} else {
				delivered = true
			}
		}
		if p.cfg.SMSEnabled && contact.Phone != "" && n.Urgency >= p.cfg.SMSMinUrgency {
			if err := p.sendSMS(ctx, contact.Phone, body); err != nil {
				errs = append(errs, err)
				p.log.Error("SMS send failed", map[string]interface{}{"responderId": id, "error": err})
			} else {
				delivered = true
			}
		}
		if delivered {
			reached++
		}
	}

	if reached == 0 {
		cause := errors.Join(errs...)
		if cause == nil {
			cause = errors.New("no reachable responders")
		}
		return apperrors.NewNotificationSendFailedError("paging", cause)
	}

	p.log.Info("Responders paged", map[string]interface{}{
		"caseId":  n.CaseID,
		"kind":    string(n.Kind),
		"reached": reached,
		"total":   len(n.Recipients),
	})
	return nil
}

// DeliverMessage is a no-op: chat traffic never goes over SMS or email.
func (p *Notifier) DeliverMessage(context.Context, transport.Message) error {
	return nil
}

func (p *Notifier) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := p.ses.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(p.cfg.FromEmail),
	})
	return err
}

func (p *Notifier) sendSMS(ctx context.Context, to, message string) error {
	_, err := p.sns.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(message),
	})
	return err
}

// Broadcast publishes every notification to one SNS topic that the on-call
// rota subscribes to.
type Broadcast struct {
	sns      awsclients.SNSAPI
	topicARN string
}

var _ transport.Notifier = (*Broadcast)(nil)

func NewBroadcast(snsClient awsclients.SNSAPI, topicARN string) *Broadcast {
	return &Broadcast{sns: snsClient, topicARN: topicARN}
}

func (b *Broadcast) NotifyResponders(ctx context.Context, n transport.Notification) error {
	tmpl, ok := templates[n.Kind]
	if !ok {
		return apperrors.NewValidationFailedError(fmt.Sprintf("no template for %s", n.Kind))
	}
	_, err := b.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(b.topicARN),
		Subject:  aws.String(render(tmpl.subject, n)),
		Message:  aws.String(render(tmpl.body, n)),
	})
	if err != nil {
		return apperrors.NewNotificationSendFailedError("sns_topic", err)
	}
	return nil
}

func (b *Broadcast) DeliverMessage(context.Context, transport.Message) error {
	return nil
}
