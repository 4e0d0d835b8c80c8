// Package zeebe runs crisis escalation as a BPMN process on Camunda Zeebe.
//
// Each hand-off starts one instance of the escalation process. The process
// waits for the case-closed message, correlated by case ID, and pages the
// on-call rota through the page-responders job while it waits.
package zeebe

import (
	"context"
	"time"

	"peer-tether/internal/common/logger"
	"peer-tether/internal/crisis"
	"peer-tether/internal/models"
)

const (
	DefaultProcessID  = "crisis-escalation"
	CaseClosedMessage = "emergency-case-closed"
	PageTaskType      = "crisis.page-responders"

	caseClosedTTL = time.Hour
)

// Engine is the subset of the camunda client used here.
type Engine interface {
	StartProcess(ctx context.Context, processID string, variables map[string]interface{}) (int64, error)
	PublishMessage(ctx context.Context, name, correlationKey string, ttl time.Duration, variables map[string]interface{}) error
}

type Service struct {
	engine    Engine
	processID string
	log       logger.Logger
}

var (
	_ crisis.Service    = (*Service)(nil)
	_ crisis.CaseCloser = (*Service)(nil)
)

func New(engine Engine, processID string, log logger.Logger) *Service {
	if processID == "" {
		processID = DefaultProcessID
	}
	return &Service{
		engine:    engine,
		processID: processID,
		log:       log.WithFields(map[string]interface{}{"component": "crisis-zeebe"}),
	}
}

// Escalate starts one process instance for req.
func (s *Service) Escalate(ctx context.Context, req crisis.Request) error {
	key, err := s.engine.StartProcess(ctx, s.processID, Variables(req))
	if err != nil {
		return err
	}
	s.log.Info("Crisis process started", map[string]interface{}{
		"caseId":             req.CaseID,
		"reason":             req.Reason,
		"processInstanceKey": key,
	})
	return nil
}

// CaseClosed tells a running escalation process that the case ended.
func (s *Service) CaseClosed(ctx context.Context, c *models.EmergencyCase) error {
	vars := map[string]interface{}{
		"caseStatus": string(c.Status),
		"outcome":    string(c.Outcome),
	}
	if c.ResolvedAt != nil {
		vars["resolvedAt"] = c.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return s.engine.PublishMessage(ctx, CaseClosedMessage, c.ID, caseClosedTTL, vars)
}

// Variables is the process variable set for a hand-off. The free-text message
// and location stay out of the workflow engine.
func Variables(req crisis.Request) map[string]interface{} {
	return map[string]interface{}{
		"caseId":      req.CaseID,
		"tetherId":    req.TetherID,
		"triggeredBy": req.TriggeredBy,
		"urgency":     req.Urgency.String(),
		"category":    string(req.Category),
		"reason":      req.Reason,
		"hasLocation": req.Location != nil,
		"requestedAt": req.RequestedAt.UTC().Format(time.RFC3339),
	}
}
