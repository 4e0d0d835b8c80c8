package zeebe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/crisis"
	"peer-tether/internal/models"
	"peer-tether/internal/transport"
)

// ==========================
// Mock Engine Implementation
// ==========================

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) StartProcess(ctx context.Context, processID string, variables map[string]interface{}) (int64, error) {
	args := m.Called(ctx, processID, variables)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEngine) PublishMessage(ctx context.Context, name, correlationKey string, ttl time.Duration, variables map[string]interface{}) error {
	args := m.Called(ctx, name, correlationKey, ttl, variables)
	return args.Error(0)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []transport.Notification
	err  error
}

func (r *recordingNotifier) NotifyResponders(_ context.Context, n transport.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) DeliverMessage(context.Context, transport.Message) error { return nil }

// ==========================
// Test Helpers
// ==========================

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)

	activatedJob := &pb.ActivatedJob{
		Key:                key,
		Type:               PageTaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      DefaultProcessID,
		ElementId:          "Activity_PageResponders",
		CustomHeaders:      "{}",
		Worker:             "test-worker",
		Retries:            3,
		Variables:          string(variablesJSON),
	}

	return entities.Job{ActivatedJob: activatedJob}
}

func createTestRequest() crisis.Request {
	return crisis.Request{
		CaseID:      "case-1",
		TetherID:    "tether-1",
		TriggeredBy: "seeker-1",
		Urgency:     models.UrgencyCritical,
		Category:    models.CategoryCrisis,
		Message:     "private text",
		Location:    &models.Location{Latitude: 1, Longitude: 2},
		Reason:      "timeout",
		RequestedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

// ==========================
// Service Tests
// ==========================

func TestService_Escalate(t *testing.T) {
	engine := &MockEngine{}
	engine.On("StartProcess", mock.Anything, DefaultProcessID, mock.MatchedBy(func(v map[string]interface{}) bool {
		return v["caseId"] == "case-1" && v["urgency"] == "CRITICAL" && v["reason"] == "timeout"
	})).Return(int64(2251799813685249), nil)

	s := New(engine, "", logger.NewTestLogger(t))
	require.NoError(t, s.Escalate(context.Background(), createTestRequest()))
	engine.AssertExpectations(t)
}

func TestService_Escalate_Error(t *testing.T) {
	engine := &MockEngine{}
	engine.On("StartProcess", mock.Anything, "custom-process", mock.Anything).
		Return(int64(0), apperrors.NewExternalServiceError("zeebe", errors.New("unavailable")))

	s := New(engine, "custom-process", logger.NewTestLogger(t))
	err := s.Escalate(context.Background(), createTestRequest())
	assert.Error(t, err)
}

func TestService_CaseClosed(t *testing.T) {
	resolved := time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)
	engine := &MockEngine{}
	engine.On("PublishMessage", mock.Anything, CaseClosedMessage, "case-1", time.Hour, map[string]interface{}{
		"caseStatus": "RESOLVED",
		"outcome":    "RESOLVED",
		"resolvedAt": "2024-05-01T09:05:00Z",
	}).Return(nil)

	s := New(engine, "", logger.NewTestLogger(t))
	err := s.CaseClosed(context.Background(), &models.EmergencyCase{
		ID:         "case-1",
		Status:     models.CaseResolved,
		Outcome:    models.CaseResolved,
		ResolvedAt: &resolved,
	})
	require.NoError(t, err)
	engine.AssertExpectations(t)
}

func TestVariables_OmitsPrivateFields(t *testing.T) {
	vars := Variables(createTestRequest())

	assert.Equal(t, "crisis", vars["category"])
	assert.Equal(t, true, vars["hasLocation"])
	assert.Equal(t, "2024-05-01T09:00:00Z", vars["requestedAt"])
	for _, v := range vars {
		assert.NotEqual(t, "private text", v)
	}
}

// ==========================
// Pager Tests
// ==========================

func TestPager_Process(t *testing.T) {
	n := &recordingNotifier{}
	p := NewPager(n, logger.NewTestLogger(t))
	p.now = func() time.Time { return time.Date(2024, 5, 1, 9, 1, 0, 0, time.UTC) }

	out, err := p.Process(context.Background(), createMockJob(7, map[string]interface{}{
		"caseId":    "case-1",
		"tetherId":  "tether-1",
		"urgency":   "CRITICAL",
		"category":  "self_harm",
		"reason":    "timeout",
		"pageRound": 1,
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, out["pageRound"])
	assert.Equal(t, "2024-05-01T09:01:00Z", out["pagedAt"])

	require.Len(t, n.sent, 1)
	assert.Equal(t, transport.KindEmergencyEscalated, n.sent[0].Kind)
	assert.Equal(t, models.UrgencyCritical, n.sent[0].Urgency)
	assert.Equal(t, models.CategorySelfHarm, n.sent[0].Category)
	assert.Contains(t, n.sent[0].Message, "Page round 2")
}

func TestPager_Process_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]interface{}
	}{
		{"missing case", map[string]interface{}{"tetherId": "t", "urgency": "HIGH", "category": "panic"}},
		{"bad urgency", map[string]interface{}{"caseId": "c", "tetherId": "t", "urgency": "SEVERE", "category": "panic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{}
			p := NewPager(n, logger.NewTestLogger(t))

			_, err := p.Process(context.Background(), createMockJob(1, tt.vars))
			assert.True(t, errors.Is(err, apperrors.ErrValidationFailed))
			assert.Empty(t, n.sent)
		})
	}
}

func TestPager_Process_NotifierFailure(t *testing.T) {
	n := &recordingNotifier{err: apperrors.NewNotificationSendFailedError("sns_topic", errors.New("throttled"))}
	p := NewPager(n, logger.NewTestLogger(t))

	_, err := p.Process(context.Background(), createMockJob(1, map[string]interface{}{
		"caseId": "c", "tetherId": "t", "urgency": "HIGH", "category": "panic",
	}))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}
