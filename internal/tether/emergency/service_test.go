package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/crisis"
	"peer-tether/internal/models"
	"peer-tether/internal/transport"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	err  error
	sent []transport.Notification
}

func (n *recordingNotifier) NotifyResponders(_ context.Context, note transport.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) DeliverMessage(context.Context, transport.Message) error { return nil }

func (n *recordingNotifier) count(kind transport.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, note := range n.sent {
		if note.Kind == kind {
			c++
		}
	}
	return c
}

type recordingCrisis struct {
	mu       sync.Mutex
	requests []crisis.Request
	closed   []string
}

func (c *recordingCrisis) CaseClosed(_ context.Context, ec *models.EmergencyCase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, ec.ID+":"+string(ec.Status))
	return nil
}

func (c *recordingCrisis) closedCases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

func (c *recordingCrisis) Escalate(_ context.Context, req crisis.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

func (c *recordingCrisis) all() []crisis.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crisis.Request(nil), c.requests...)
}

func (c *recordingCrisis) reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r.Reason)
	}
	return out
}

type recordingStore struct {
	mu      sync.Mutex
	saved   map[string]*models.EmergencyCase
	updates int
}

func (s *recordingStore) SaveEmergencyCase(_ context.Context, c *models.EmergencyCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]*models.EmergencyCase)
	}
	s.saved[c.ID] = c
	return nil
}

func (s *recordingStore) UpdateEmergencyCase(_ context.Context, c *models.EmergencyCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

func (s *recordingStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saved[id]
	return ok
}

func createTestConfig() Config {
	cfg := DefaultConfig()
	cfg.CriticalTimeout = 40 * time.Millisecond
	cfg.HighTimeout = 80 * time.Millisecond
	cfg.NotifyTimeout = time.Second
	return cfg
}

type harness struct {
	svc      *Service
	clock    *fakeClock
	notifier *recordingNotifier
	crisis   *recordingCrisis
	store    *recordingStore
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	h := &harness{
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		crisis:   &recordingCrisis{},
		store:    &recordingStore{},
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithNotifier(h.notifier),
		WithCrisisService(h.crisis),
		WithStore(h.store),
	}
	h.svc = NewService(cfg, logger.NewNoOpLogger(), append(base, opts...)...)
	t.Cleanup(h.svc.Close)
	return h
}

func trigger(u models.Urgency) models.Trigger {
	return models.Trigger{
		TriggeredBy: "seeker-1",
		Urgency:     u,
		Category:    models.CategoryPanic,
		Message:     "need help",
		Responders:  []string{"supporter-1", "supporter-1", ""},
	}
}

func status(t *testing.T, s *Service, id string) models.CaseStatus {
	c, err := s.Get(id)
	require.NoError(t, err)
	return c.Status
}

// ==========================
// Activation Tests
// ==========================

func TestService_Activate(t *testing.T) {
	h := newHarness(t, createTestConfig())

	c, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyMedium))
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.CaseActive, c.Status)
	assert.Equal(t, []string{"supporter-1"}, c.Responders)
	assert.Equal(t, h.clock.Now(), c.CreatedAt)

	require.Eventually(t, func() bool {
		return h.notifier.count(transport.KindEmergencyActivated) == 1 && h.store.has(c.ID)
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, h.crisis.reasons())
}

func TestService_Activate_Validation(t *testing.T) {
	h := newHarness(t, createTestConfig())

	tests := []struct {
		name     string
		tetherID string
		mutate   func(*models.Trigger)
	}{
		{"missing tether", "", func(*models.Trigger) {}},
		{"missing trigger user", "tether-1", func(tr *models.Trigger) { tr.TriggeredBy = "" }},
		{"no urgency", "tether-1", func(tr *models.Trigger) { tr.Urgency = models.UrgencyNone }},
		{"out of range urgency", "tether-1", func(tr *models.Trigger) { tr.Urgency = models.Urgency(9) }},
		{"unknown category", "tether-1", func(tr *models.Trigger) { tr.Category = "boredom" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := trigger(models.UrgencyLow)
			tt.mutate(&tr)
			_, err := h.svc.Activate(context.Background(), tt.tetherID, tr)
			assert.True(t, errors.Is(err, apperrors.ErrValidationFailed))
		})
	}
}

func TestService_Activate_DefaultsCategory(t *testing.T) {
	h := newHarness(t, createTestConfig())

	tr := trigger(models.UrgencyLow)
	tr.Category = ""
	c, err := h.svc.Activate(context.Background(), "tether-1", tr)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryOther, c.Category)
}

func TestService_Activate_CrisisThreshold(t *testing.T) {
	cfg := createTestConfig()
	cfg.CriticalTimeout = time.Minute
	cfg.HighTimeout = time.Minute
	h := newHarness(t, cfg)

	_, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyHigh))
	require.NoError(t, err)
	_, err = h.svc.Activate(context.Background(), "tether-2", trigger(models.UrgencyCritical))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.crisis.reasons()) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	reqs := h.crisis.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "activation", reqs[0].Reason)
	assert.Equal(t, "tether-2", reqs[0].TetherID)
}

func TestService_Activate_AfterClose(t *testing.T) {
	h := newHarness(t, createTestConfig())
	h.svc.Close()

	_, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyLow))
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyActivationFailed))
}

// ==========================
// Timeout Tests
// ==========================

func TestService_CriticalUnacknowledgedEscalatesOnce(t *testing.T) {
	cfg := createTestConfig()
	cfg.CrisisThreshold = models.Urgency(99)
	h := newHarness(t, cfg)

	c, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyCritical))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return status(t, h.svc, c.ID) == models.CaseEscalated
	}, time.Second, 5*time.Millisecond)

	time.Sleep(3 * cfg.CriticalTimeout)

	require.Eventually(t, func() bool {
		return h.notifier.count(transport.KindEmergencyEscalated) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"timeout"}, h.crisis.reasons())

	got, _ := h.svc.Get(c.ID)
	require.NotNil(t, got.EscalatedAt)
	assert.Equal(t, models.CaseEscalated, got.Outcome)
}

func TestService_HighUsesLongerTimeout(t *testing.T) {
	cfg := createTestConfig()
	cfg.HighTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)

	c, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyHigh))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return status(t, h.svc, c.ID) == models.CaseEscalated
	}, time.Second, 5*time.Millisecond)
}

func TestService_AcknowledgeBeforeTimeout(t *testing.T) {
	cfg := createTestConfig()
	cfg.CriticalTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)

	c, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyCritical))
	require.NoError(t, err)

	acked, err := h.svc.Acknowledge(context.Background(), c.ID, "supporter-2")
	require.NoError(t, err)
	assert.Equal(t, models.CaseAcknowledged, acked.Status)
	assert.Equal(t, []string{"supporter-1", "supporter-2"}, acked.Responders)

	time.Sleep(3 * cfg.CriticalTimeout)
	assert.Equal(t, models.CaseAcknowledged, status(t, h.svc, c.ID))
	assert.Equal(t, 0, h.notifier.count(transport.KindEmergencyEscalated))
}

func TestService_LowerUrgencyHasNoTimer(t *testing.T) {
	cfg := createTestConfig()
	cfg.CriticalTimeout = 10 * time.Millisecond
	cfg.HighTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg)

	low, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyLow))
	require.NoError(t, err)
	medium, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyMedium))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.CaseActive, status(t, h.svc, low.ID))
	assert.Equal(t, models.CaseActive, status(t, h.svc, medium.ID))
}

func TestService_CloseCancelsTimers(t *testing.T) {
	cfg := createTestConfig()
	cfg.CriticalTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)

	c, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyCritical))
	require.NoError(t, err)
	h.svc.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, models.CaseActive, status(t, h.svc, c.ID))
}

// ==========================
// Transition Tests
// ==========================

func TestService_FullLifecycle(t *testing.T) {
	var closed []*models.EmergencyCase
	var mu sync.Mutex
	h := newHarness(t, createTestConfig(), WithClosedHandler(func(c *models.EmergencyCase) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, c)
	}))
	ctx := context.Background()

	c, err := h.svc.Activate(ctx, "tether-1", trigger(models.UrgencyMedium))
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	_, err = h.svc.Acknowledge(ctx, c.ID, "supporter-1")
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	resp, err := h.svc.RecordResponse(ctx, c.ID, "supporter-1", "called seeker", true)
	require.NoError(t, err)
	assert.Equal(t, models.CaseResponding, resp.Status)
	assert.True(t, resp.FollowUpRequired)
	rt, ok := resp.ResponseTime()
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, rt)

	done, err := h.svc.Resolve(ctx, c.ID, "supporter-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.CaseResolved, done.Status)
	assert.Equal(t, models.CaseResolved, done.Outcome)
	require.NotNil(t, done.ResolvedAt)

	_, err = h.svc.Resolve(ctx, c.ID, "supporter-1", models.CaseResolved)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidStateTransition))

	mu.Lock()
	require.Len(t, closed, 1)
	assert.Equal(t, c.ID, closed[0].ID)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return len(h.crisis.closedCases()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{c.ID + ":RESOLVED"}, h.crisis.closedCases())

	assert.Empty(t, h.svc.OpenCases("tether-1"))
}

func TestService_InvalidTransitions(t *testing.T) {
	h := newHarness(t, createTestConfig())
	ctx := context.Background()

	c, err := h.svc.Activate(ctx, "tether-1", trigger(models.UrgencyLow))
	require.NoError(t, err)

	_, err = h.svc.Resolve(ctx, c.ID, "supporter-1", models.CaseResolved)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidStateTransition), "resolve from ACTIVE")

	_, err = h.svc.Resolve(ctx, c.ID, "supporter-1", models.CaseAcknowledged)
	assert.True(t, errors.Is(err, apperrors.ErrValidationFailed), "bad outcome")

	_, err = h.svc.RecordResponse(ctx, c.ID, "supporter-1", "", false)
	require.NoError(t, err)
	_, err = h.svc.Acknowledge(ctx, c.ID, "supporter-1")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidStateTransition), "acknowledge while RESPONDING")
	_, err = h.svc.RecordResponse(ctx, c.ID, "supporter-1", "", false)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidStateTransition), "respond twice")

	_, err = h.svc.Resolve(ctx, c.ID, "supporter-1", models.CaseResolved)
	require.NoError(t, err)
	_, err = h.svc.Escalate(ctx, c.ID, "manual")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidStateTransition), "escalate RESOLVED")

	_, err = h.svc.Acknowledge(ctx, c.ID, "")
	assert.True(t, errors.Is(err, apperrors.ErrValidationFailed))
}

func TestService_UnknownCase(t *testing.T) {
	h := newHarness(t, createTestConfig())
	ctx := context.Background()

	_, err := h.svc.Get("missing")
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyCaseNotFound))
	_, err = h.svc.Acknowledge(ctx, "missing", "supporter-1")
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyCaseNotFound))
	_, err = h.svc.RecordResponse(ctx, "missing", "supporter-1", "", false)
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyCaseNotFound))
	_, err = h.svc.Resolve(ctx, "missing", "supporter-1", "")
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyCaseNotFound))
	_, err = h.svc.Escalate(ctx, "missing", "")
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyCaseNotFound))
}

func TestService_EscalateIsIdempotent(t *testing.T) {
	h := newHarness(t, createTestConfig())
	ctx := context.Background()

	c, err := h.svc.Activate(ctx, "tether-1", trigger(models.UrgencyLow))
	require.NoError(t, err)

	first, err := h.svc.Escalate(ctx, c.ID, "")
	require.NoError(t, err)
	second, err := h.svc.Escalate(ctx, c.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, first.EscalatedAt, second.EscalatedAt)

	require.Eventually(t, func() bool {
		return len(h.crisis.reasons()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"manual"}, h.crisis.reasons())
}

func TestService_ResolveAsEscalated(t *testing.T) {
	h := newHarness(t, createTestConfig())
	ctx := context.Background()

	c, err := h.svc.Activate(ctx, "tether-1", trigger(models.UrgencyLow))
	require.NoError(t, err)
	_, err = h.svc.RecordResponse(ctx, c.ID, "supporter-1", "handed over", false)
	require.NoError(t, err)

	done, err := h.svc.Resolve(ctx, c.ID, "supporter-1", models.CaseEscalated)
	require.NoError(t, err)
	assert.Equal(t, models.CaseEscalated, done.Status)

	require.Eventually(t, func() bool {
		return h.notifier.count(transport.KindEmergencyEscalated) == 1
	}, time.Second, 5*time.Millisecond)
}

// ==========================
// Notification Tests
// ==========================

func TestService_FallbackNotifier(t *testing.T) {
	fallback := &recordingNotifier{}
	h := newHarness(t, createTestConfig(), WithFallbackNotifier(fallback))
	h.notifier.err = errors.New("sms gateway down")

	_, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyMedium))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fallback.count(transport.KindEmergencyActivated) == 1
	}, time.Second, 5*time.Millisecond)
}

// ==========================
// Sweep and Report Tests
// ==========================

func TestService_SweepEscalatesStaleAndPurges(t *testing.T) {
	h := newHarness(t, createTestConfig())
	ctx := context.Background()

	stale, err := h.svc.Activate(ctx, "tether-1", trigger(models.UrgencyLow))
	require.NoError(t, err)
	acked, err := h.svc.Activate(ctx, "tether-2", trigger(models.UrgencyLow))
	require.NoError(t, err)
	_, err = h.svc.Acknowledge(ctx, acked.ID, "supporter-1")
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	res := h.svc.Sweep()
	assert.Equal(t, SweepResult{Escalated: 1}, res)
	assert.Equal(t, models.CaseEscalated, status(t, h.svc, stale.ID))
	assert.Equal(t, models.CaseAcknowledged, status(t, h.svc, acked.ID))

	h.clock.Advance(61 * time.Minute)
	res = h.svc.Sweep()
	assert.Equal(t, SweepResult{Purged: 1}, res)

	_, err = h.svc.Get(stale.ID)
	assert.True(t, errors.Is(err, apperrors.ErrEmergencyCaseNotFound))

	r := h.svc.Report()
	assert.Equal(t, 2, r.TotalCases)
	assert.Equal(t, 1, r.OpenCases)
	assert.Equal(t, 1, r.ByStatus["ESCALATED"])
	assert.Equal(t, 0.5, r.EscalationRate)
}

func TestService_Report(t *testing.T) {
	h := newHarness(t, createTestConfig())
	ctx := context.Background()

	respond := func(after time.Duration, resolve bool) {
		c, err := h.svc.Activate(ctx, "tether-1", trigger(models.UrgencyLow))
		require.NoError(t, err)
		h.clock.Advance(after)
		_, err = h.svc.RecordResponse(ctx, c.ID, "supporter-1", "", false)
		require.NoError(t, err)
		if resolve {
			_, err = h.svc.Resolve(ctx, c.ID, "supporter-1", "")
			require.NoError(t, err)
		}
	}

	respond(10*time.Second, true)
	respond(90*time.Second, true)
	respond(4*time.Minute, false)
	respond(6*time.Minute, true)

	tr := trigger(models.UrgencyMedium)
	tr.Category = models.CategoryMedical
	c, err := h.svc.Activate(ctx, "tether-2", tr)
	require.NoError(t, err)
	_, err = h.svc.Escalate(ctx, c.ID, "manual")
	require.NoError(t, err)

	r := h.svc.Report()
	assert.Equal(t, 5, r.TotalCases)
	assert.Equal(t, 1, r.OpenCases)
	assert.Equal(t, 4, r.ByUrgency["LOW"])
	assert.Equal(t, 1, r.ByUrgency["MEDIUM"])
	assert.Equal(t, 4, r.ByCategory["panic"])
	assert.Equal(t, 1, r.ByCategory["medical"])
	assert.Equal(t, 3, r.ByStatus["RESOLVED"])
	assert.Equal(t, 1, r.ByStatus["RESPONDING"])
	assert.Equal(t, ResponseBuckets{Under30s: 1, Under2m: 1, From2mTo5m: 1, Over5m: 1}, r.ResponseTimes)
	assert.Equal(t, 0.6, r.ResolutionRate)
	assert.Equal(t, 0.2, r.EscalationRate)
	assert.Equal(t, 175.0, r.AverageResponseSeconds)
	assert.Equal(t, h.clock.Now(), r.GeneratedAt)
}

func TestService_ReportEmpty(t *testing.T) {
	h := newHarness(t, createTestConfig())

	r := h.svc.Report()
	assert.Equal(t, 0, r.TotalCases)
	assert.Equal(t, 0.0, r.EscalationRate)
	assert.NotNil(t, r.ByStatus)
}

func TestService_StartSweeps(t *testing.T) {
	cfg := createTestConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.StaleAfter = time.Minute
	h := newHarness(t, cfg)

	c, err := h.svc.Activate(context.Background(), "tether-1", trigger(models.UrgencyLow))
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)

	require.Eventually(t, func() bool {
		return status(t, h.svc, c.ID) == models.CaseEscalated
	}, time.Second, 5*time.Millisecond)
}
