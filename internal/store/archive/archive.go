// Package archive indexes closed emergency cases into Elasticsearch for
// dashboards and after-action review.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/models"
)

const DefaultIndex = "tether-emergency-cases"

// Mapping is used when the index does not exist yet.
const Mapping = `{
  "mappings": {
    "properties": {
      "case_id":          {"type": "keyword"},
      "tether_id":        {"type": "keyword"},
      "urgency":          {"type": "keyword"},
      "category":         {"type": "keyword"},
      "status":           {"type": "keyword"},
      "outcome":          {"type": "keyword"},
      "responder_count":  {"type": "integer"},
      "response_time_ms": {"type": "long"},
      "follow_up":        {"type": "boolean"},
      "created_at":       {"type": "date"},
      "closed_at":        {"type": "date"},
      "archived_at":      {"type": "date"}
    }
  }
}`

// Document is the indexed form of a case. The free-text message and the
// location stay out of the index.
type Document struct {
	CaseID         string     `json:"case_id"`
	TetherID       string     `json:"tether_id"`
	Urgency        string     `json:"urgency"`
	Category       string     `json:"category"`
	Status         string     `json:"status"`
	Outcome        string     `json:"outcome,omitempty"`
	ResponderCount int        `json:"responder_count"`
	ResponseTimeMs *int64     `json:"response_time_ms,omitempty"`
	FollowUp       bool       `json:"follow_up"`
	CreatedAt      time.Time  `json:"created_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ArchivedAt     time.Time  `json:"archived_at"`
}

func NewDocument(c *models.EmergencyCase, at time.Time) Document {
	doc := Document{
		CaseID:         c.ID,
		TetherID:       c.TetherID,
		Urgency:        c.Urgency.String(),
		Category:       string(c.Category),
		Status:         string(c.Status),
		Outcome:        string(c.Outcome),
		ResponderCount: len(c.Responders),
		FollowUp:       c.FollowUpRequired,
		CreatedAt:      c.CreatedAt,
		ArchivedAt:     at,
	}
	if rt, ok := c.ResponseTime(); ok {
		ms := rt.Milliseconds()
		doc.ResponseTimeMs = &ms
	}
	switch {
	case c.ResolvedAt != nil:
		doc.ClosedAt = c.ResolvedAt
	case c.EscalatedAt != nil:
		doc.ClosedAt = c.EscalatedAt
	}
	return doc
}

type Archive struct {
	client *elasticsearch.Client
	index  string
	log    logger.Logger
	now    func() time.Time
}

func New(client *elasticsearch.Client, index string, log logger.Logger) *Archive {
	if index == "" {
		index = DefaultIndex
	}
	return &Archive{
		client: client,
		index:  index,
		log:    log.WithFields(map[string]interface{}{"component": "case_archive", "index": index}),
		now:    time.Now,
	}
}

func (a *Archive) Index() string { return a.index }

// ArchiveCase indexes the case under its id, so re-archiving overwrites.
func (a *Archive) ArchiveCase(ctx context.Context, c *models.EmergencyCase) error {
	body, err := json.Marshal(NewDocument(c, a.now().UTC()))
	if err != nil {
		return fmt.Errorf("encode archive document: %w", err)
	}

	res, err := a.client.Index(a.index, bytes.NewReader(body),
		a.client.Index.WithDocumentID(c.ID),
		a.client.Index.WithContext(ctx),
	)
	if err != nil {
		return apperrors.NewExternalServiceError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return apperrors.NewExternalServiceError("elasticsearch", fmt.Errorf("index case: %s", res.Status()))
	}

	a.log.Debug("Emergency case archived", map[string]interface{}{
		"caseId": c.ID,
		"status": string(c.Status),
	})
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// CasesForTether returns archived cases of a tether, newest first.
func (a *Archive) CasesForTether(ctx context.Context, tetherID string, size int) ([]Document, error) {
	if size <= 0 {
		size = 20
	}
	query := fmt.Sprintf(`{"query":{"term":{"tether_id":%q}},"sort":[{"created_at":{"order":"desc"}}]}`, tetherID)

	res, err := a.client.Search(
		a.client.Search.WithContext(ctx),
		a.client.Search.WithIndex(a.index),
		a.client.Search.WithBody(strings.NewReader(query)),
		a.client.Search.WithSize(size),
	)
	if err != nil {
		return nil, apperrors.NewExternalServiceError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, apperrors.NewExternalServiceError("elasticsearch", fmt.Errorf("search cases: %s", res.Status()))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]Document, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
