// Package webhook forwards crisis hand-offs to an HTTP endpoint.
package webhook

import (
	"context"
	"fmt"

	httpclient "peer-tether/internal/common/http"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/crisis"
)

// Payload is the body posted to the crisis endpoint.
type Payload struct {
	crisis.Request
	Source string `json:"source"`
}

type Service struct {
	client *httpclient.Client
	url    string
	apiKey string
	log    logger.Logger
}

var _ crisis.Service = (*Service)(nil)

func New(client *httpclient.Client, url, apiKey string, log logger.Logger) *Service {
	return &Service{
		client: client,
		url:    url,
		apiKey: apiKey,
		log:    log.WithFields(map[string]interface{}{"component": "crisis-webhook"}),
	}
}

// Escalate posts req. The idempotency key is stable per case and reason so
// the receiver can drop duplicates from client retries.
func (s *Service) Escalate(ctx context.Context, req crisis.Request) error {
	headers := map[string]string{
		"Idempotency-Key": fmt.Sprintf("%s:%s", req.CaseID, req.Reason),
	}
	if s.apiKey != "" {
		headers["X-API-Key"] = s.apiKey
	}

	payload := Payload{Request: req, Source: "peer-tether"}
	status, err := s.client.PostJSON(ctx, s.url, headers, payload)
	if err != nil {
		return err
	}

	s.log.Info("Crisis service notified", map[string]interface{}{
		"caseId": req.CaseID,
		"reason": req.Reason,
		"status": status,
	})
	return nil
}
