package zeebe

import (
	"context"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"

	"peer-tether/internal/common/camunda"
	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/common/validation"
	"peer-tether/internal/models"
	"peer-tether/internal/transport"
)

var pageInputSchema = validation.MustCompile("page-responders", `{
	"type": "object",
	"required": ["caseId", "tetherId", "urgency", "category"],
	"properties": {
		"caseId":   {"type": "string", "minLength": 1},
		"tetherId": {"type": "string", "minLength": 1},
		"urgency":  {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"category": {"type": "string"},
		"reason":   {"type": "string"},
		"pageRound": {"type": "integer", "minimum": 0}
	}
}`)

type pageInput struct {
	CaseID    string `json:"caseId"`
	TetherID  string `json:"tetherId"`
	Urgency   string `json:"urgency"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
	PageRound int    `json:"pageRound"`
}

// Pager handles page-responders jobs by broadcasting the escalation to the
// on-call channel.
type Pager struct {
	notifier transport.Notifier
	log      logger.Logger
	now      func() time.Time
}

var _ camunda.JobHandler = (*Pager)(nil)

func NewPager(notifier transport.Notifier, log logger.Logger) *Pager {
	return &Pager{
		notifier: notifier,
		log:      log.WithFields(map[string]interface{}{"component": "crisis-pager"}),
		now:      time.Now,
	}
}

func (p *Pager) Process(ctx context.Context, job entities.Job) (map[string]interface{}, error) {
	vars, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, apperrors.NewValidationFailedError(fmt.Sprintf("job variables: %v", err))
	}
	if err := pageInputSchema.ValidateInput(vars).Err(); err != nil {
		return nil, err
	}

	var in pageInput
	if err := job.GetVariablesAs(&in); err != nil {
		return nil, apperrors.NewValidationFailedError(fmt.Sprintf("job variables: %v", err))
	}
	urgency, err := models.ParseUrgency(in.Urgency)
	if err != nil {
		return nil, apperrors.NewValidationFailedError(err.Error())
	}

	round := in.PageRound + 1
	n := transport.Notification{
		Kind:     transport.KindEmergencyEscalated,
		CaseID:   in.CaseID,
		TetherID: in.TetherID,
		Urgency:  urgency,
		Category: models.Category(in.Category),
		Message:  fmt.Sprintf("Page round %d (reason: %s).", round, in.Reason),
		SentAt:   p.now(),
	}
	if err := p.notifier.NotifyResponders(ctx, n); err != nil {
		return nil, err
	}

	p.log.Warn("Crisis rota paged", map[string]interface{}{
		"caseId":    in.CaseID,
		"pageRound": round,
		"jobKey":    job.GetKey(),
	})
	return map[string]interface{}{
		"pageRound": round,
		"pagedAt":   n.SentAt.UTC().Format(time.RFC3339),
	}, nil
}
