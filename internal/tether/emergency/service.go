// Package emergency tracks escalation cases from activation to resolution and
// escalates unacknowledged CRITICAL and HIGH cases on timeout.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/common/metrics"
	"peer-tether/internal/crisis"
	"peer-tether/internal/models"
	"peer-tether/internal/transport"
)

// CaseStore persists cases. Writes happen off the activation path.
type CaseStore interface {
	SaveEmergencyCase(ctx context.Context, c *models.EmergencyCase) error
	UpdateEmergencyCase(ctx context.Context, c *models.EmergencyCase) error
}

// Archiver receives every case once it reaches a terminal state.
type Archiver interface {
	ArchiveCase(ctx context.Context, c *models.EmergencyCase) error
}

// ClosedHandler is called after a case is resolved or escalated.
type ClosedHandler func(c *models.EmergencyCase)

type entry struct {
	c        *models.EmergencyCase
	timer    *time.Timer
	closedAt time.Time
}

type Service struct {
	cfg Config
	log logger.Logger
	now func() time.Time

	store    CaseStore
	notifier transport.Notifier
	fallback transport.Notifier
	crisis   crisis.Service
	archive  Archiver
	hookMu   sync.RWMutex
	onClosed ClosedHandler

	mu      sync.Mutex
	cases   map[string]*entry
	history aggregate
	closed  bool

	pending   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	loopWG    sync.WaitGroup
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithStore(store CaseStore) Option {
	return func(s *Service) { s.store = store }
}

func WithNotifier(n transport.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithFallbackNotifier is tried when the primary notifier fails.
func WithFallbackNotifier(n transport.Notifier) Option {
	return func(s *Service) { s.fallback = n }
}

func WithCrisisService(c crisis.Service) Option {
	return func(s *Service) { s.crisis = c }
}

func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithClosedHandler(h ClosedHandler) Option {
	return func(s *Service) { s.onClosed = h }
}

func NewService(cfg Config, log logger.Logger, opts ...Option) *Service {
	cfg.normalize()
	s := &Service{
		cfg:     cfg,
		log:     log.WithFields(map[string]interface{}{"component": "emergency"}),
		now:     time.Now,
		cases:   make(map[string]*entry),
		history: newAggregate(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate opens a case and returns immediately. Responder notification,
// persistence and the crisis hand-off run in the background.
func (s *Service) Activate(ctx context.Context, tetherID string, t models.Trigger) (*models.EmergencyCase, error) {
	start := time.Now()
	if err := validateTrigger(tetherID, &t); err != nil {
		return nil, err
	}

	c := &models.EmergencyCase{
		ID:          uuid.NewString(),
		TetherID:    tetherID,
		TriggeredBy: t.TriggeredBy,
		Urgency:     t.Urgency,
		Category:    t.Category,
		Message:     t.Message,
		Location:    t.Location,
		Responders:  dedupe(t.Responders),
		Status:      models.CaseActive,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.NewEmergencyActivationFailedError(tetherID, errors.New("emergency service is shut down"))
	}
	e := &entry{c: c}
	s.cases[c.ID] = e
	if d := s.cfg.timeoutFor(c.Urgency); d > 0 {
		id := c.ID
		e.timer = time.AfterFunc(d, func() { s.onTimeout(id) })
	}
	snap := c.Clone()
	s.mu.Unlock()

	s.dispatch(ctx, func(ctx context.Context) { s.save(ctx, snap) })
	s.dispatch(ctx, func(ctx context.Context) { s.notify(ctx, notificationFor(snap, transport.KindEmergencyActivated, s.now())) })
	if snap.Urgency >= s.cfg.CrisisThreshold {
		s.dispatch(ctx, func(ctx context.Context) { s.handOff(ctx, snap, "activation") })
	}

	elapsed := time.Since(start)
	metrics.EmergenciesActivated.WithLabelValues(snap.Urgency.String()).Inc()
	metrics.EmergencyActivationLatency.Observe(elapsed.Seconds())

	s.log.Warn("Emergency activated", map[string]interface{}{
		"caseId":    snap.ID,
		"tetherId":  tetherID,
		"urgency":   snap.Urgency.String(),
		"category":  string(snap.Category),
		"latencyMs": elapsed.Milliseconds(),
	})
	return snap, nil
}

func validateTrigger(tetherID string, t *models.Trigger) error {
	if tetherID == "" {
		return apperrors.NewValidationFailedError("tether id is required")
	}
	if t.TriggeredBy == "" {
		return apperrors.NewValidationFailedError("triggered_by is required")
	}
	if t.Urgency < models.UrgencyLow || t.Urgency > models.UrgencyCritical {
		return apperrors.NewValidationFailedError(fmt.Sprintf("unsupported urgency %s", t.Urgency))
	}
	if t.Category == "" {
		t.Category = models.CategoryOther
	}
	if !t.Category.Valid() {
		return apperrors.NewValidationFailedError(fmt.Sprintf("unknown category %q", t.Category))
	}
	return nil
}

func (s *Service) onTimeout(caseID string) {
	s.mu.Lock()
	e, ok := s.cases[caseID]
	if !ok || s.closed || e.c.Status != models.CaseActive {
		s.mu.Unlock()
		return
	}
	snap := s.escalateLocked(e, "timeout")
	s.mu.Unlock()

	s.afterEscalation(context.Background(), snap, "timeout")
}

// Acknowledge records the first acknowledgement and adds the responder. Later
// acknowledgements while still ACKNOWLEDGED only add responders.
func (s *Service) Acknowledge(ctx context.Context, caseID, responderID string) (*models.EmergencyCase, error) {
	if responderID == "" {
		return nil, apperrors.NewValidationFailedError("responder id is required")
	}

	s.mu.Lock()
	e, err := s.lookupLocked(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	switch e.c.Status {
	case models.CaseActive:
		now := s.now()
		e.c.AcknowledgedAt = &now
		e.c.Status = models.CaseAcknowledged
		stopTimer(e)
	case models.CaseAcknowledged:
	default:
		s.mu.Unlock()
		return nil, apperrors.NewInvalidStateTransitionError(string(e.c.Status), string(models.CaseAcknowledged))
	}
	e.c.Responders = addResponder(e.c.Responders, responderID)
	snap := e.c.Clone()
	s.mu.Unlock()

	s.dispatch(ctx, func(ctx context.Context) { s.update(ctx, snap) })
	s.log.Info("Emergency acknowledged", map[string]interface{}{
		"caseId":      caseID,
		"responderId": responderID,
	})
	return snap, nil
}

// RecordResponse moves an ACTIVE or ACKNOWLEDGED case to RESPONDING.
func (s *Service) RecordResponse(ctx context.Context, caseID, responderID, actionTaken string, followUp bool) (*models.EmergencyCase, error) {
	if responderID == "" {
		return nil, apperrors.NewValidationFailedError("responder id is required")
	}

	s.mu.Lock()
	e, err := s.lookupLocked(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if e.c.Status != models.CaseActive && e.c.Status != models.CaseAcknowledged {
		s.mu.Unlock()
		return nil, apperrors.NewInvalidStateTransitionError(string(e.c.Status), string(models.CaseResponding))
	}
	now := s.now()
	e.c.RespondedAt = &now
	e.c.Status = models.CaseResponding
	e.c.ActionTaken = actionTaken
	e.c.FollowUpRequired = followUp
	e.c.Responders = addResponder(e.c.Responders, responderID)
	stopTimer(e)
	snap := e.c.Clone()
	s.mu.Unlock()

	s.dispatch(ctx, func(ctx context.Context) { s.update(ctx, snap) })
	if rt, ok := snap.ResponseTime(); ok {
		s.log.Info("Emergency response recorded", map[string]interface{}{
			"caseId":         caseID,
			"responderId":    responderID,
			"responseTimeMs": rt.Milliseconds(),
		})
	}
	return snap, nil
}

// Resolve closes a RESPONDING case with outcome RESOLVED (the default) or
// ESCALATED.
func (s *Service) Resolve(ctx context.Context, caseID, responderID string, outcome models.CaseStatus) (*models.EmergencyCase, error) {
	if outcome == "" {
		outcome = models.CaseResolved
	}
	if outcome != models.CaseResolved && outcome != models.CaseEscalated {
		return nil, apperrors.NewValidationFailedError(fmt.Sprintf("outcome must be %s or %s", models.CaseResolved, models.CaseEscalated))
	}

	s.mu.Lock()
	e, err := s.lookupLocked(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if e.c.Status != models.CaseResponding {
		s.mu.Unlock()
		return nil, apperrors.NewInvalidStateTransitionError(string(e.c.Status), string(outcome))
	}
	if responderID != "" {
		e.c.Responders = addResponder(e.c.Responders, responderID)
	}

	var snap *models.EmergencyCase
	if outcome == models.CaseEscalated {
		snap = s.escalateLocked(e, "responder")
	} else {
		now := s.now()
		e.c.ResolvedAt = &now
		e.c.Status = models.CaseResolved
		e.c.Outcome = models.CaseResolved
		e.closedAt = now
		snap = e.c.Clone()
	}
	s.mu.Unlock()

	if outcome == models.CaseEscalated {
		s.afterEscalation(ctx, snap, "responder")
		return snap, nil
	}

	s.dispatch(ctx, func(ctx context.Context) { s.update(ctx, snap) })
	s.dispatch(ctx, func(ctx context.Context) { s.archiveCase(ctx, snap) })
	s.dispatch(ctx, func(ctx context.Context) { s.closeOut(ctx, snap) })
	s.closedHook(snap)
	s.log.Info("Emergency resolved", map[string]interface{}{
		"caseId":      caseID,
		"responderId": responderID,
	})
	return snap, nil
}

// Escalate forces a case to ESCALATED. Escalating an escalated case returns
// it unchanged.
func (s *Service) Escalate(ctx context.Context, caseID, reason string) (*models.EmergencyCase, error) {
	if reason == "" {
		reason = "manual"
	}

	s.mu.Lock()
	e, err := s.lookupLocked(caseID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	switch e.c.Status {
	case models.CaseEscalated:
		snap := e.c.Clone()
		s.mu.Unlock()
		return snap, nil
	case models.CaseResolved:
		s.mu.Unlock()
		return nil, apperrors.NewInvalidStateTransitionError(string(models.CaseResolved), string(models.CaseEscalated))
	}
	snap := s.escalateLocked(e, reason)
	s.mu.Unlock()

	s.afterEscalation(ctx, snap, reason)
	return snap, nil
}

func (s *Service) escalateLocked(e *entry, reason string) *models.EmergencyCase {
	now := s.now()
	e.c.Status = models.CaseEscalated
	e.c.Outcome = models.CaseEscalated
	e.c.EscalatedAt = &now
	e.closedAt = now
	stopTimer(e)
	metrics.EmergenciesEscalated.WithLabelValues(reason).Inc()
	return e.c.Clone()
}

func (s *Service) afterEscalation(ctx context.Context, snap *models.EmergencyCase, reason string) {
	s.log.Error("Emergency escalated", map[string]interface{}{
		"caseId":   snap.ID,
		"tetherId": snap.TetherID,
		"urgency":  snap.Urgency.String(),
		"reason":   reason,
		"severity": "critical",
	})
	s.dispatch(ctx, func(ctx context.Context) { s.update(ctx, snap) })
	s.dispatch(ctx, func(ctx context.Context) { s.notify(ctx, notificationFor(snap, transport.KindEmergencyEscalated, s.now())) })
	s.dispatch(ctx, func(ctx context.Context) { s.handOff(ctx, snap, reason) })
	s.dispatch(ctx, func(ctx context.Context) { s.archiveCase(ctx, snap) })
	s.dispatch(ctx, func(ctx context.Context) { s.closeOut(ctx, snap) })
	s.closedHook(snap)
}

func (s *Service) Get(caseID string) (*models.EmergencyCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(caseID)
	if err != nil {
		return nil, err
	}
	return e.c.Clone(), nil
}

// OpenCases returns the non-terminal cases of a tether, oldest first.
func (s *Service) OpenCases(tetherID string) []*models.EmergencyCase {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.EmergencyCase
	for _, e := range s.cases {
		if e.c.TetherID == tetherID && !e.c.Status.Terminal() {
			out = append(out, e.c.Clone())
		}
	}
	sortByCreated(out)
	return out
}

func (s *Service) lookupLocked(caseID string) (*entry, error) {
	e, ok := s.cases[caseID]
	if !ok {
		return nil, apperrors.NewEmergencyCaseNotFoundError(caseID)
	}
	return e, nil
}

type SweepResult struct {
	Escalated int
	Purged    int
}

// Sweep escalates ACTIVE cases older than StaleAfter and purges terminal cases
// past the grace period. Purged cases stay in the report aggregates.
func (s *Service) Sweep() SweepResult {
	now := s.now()
	var result SweepResult
	var escalated []*models.EmergencyCase

	s.mu.Lock()
	for id, e := range s.cases {
		switch {
		case e.c.Status == models.CaseActive && now.Sub(e.c.CreatedAt) >= s.cfg.StaleAfter:
			escalated = append(escalated, s.escalateLocked(e, "stale"))
		case e.c.Status.Terminal() && now.Sub(e.closedAt) >= s.cfg.ResolvedGrace:
			s.history.add(e.c)
			delete(s.cases, id)
			result.Purged++
		}
	}
	s.mu.Unlock()

	for _, snap := range escalated {
		s.afterEscalation(context.Background(), snap, "stale")
	}
	result.Escalated = len(escalated)
	return result
}

// Start runs the stale-case sweep until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			ticker := time.NewTicker(s.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				case <-ticker.C:
					if res := s.Sweep(); res.Escalated > 0 || res.Purged > 0 {
						s.log.Info("Emergency sweep completed", map[string]interface{}{
							"escalated": res.Escalated,
							"purged":    res.Purged,
						})
					}
				}
			}
		}()
	})
}

// Close cancels pending timeouts, stops the sweep and waits for in-flight
// notifications.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		for _, e := range s.cases {
			stopTimer(e)
		}
		s.mu.Unlock()
	})
	s.loopWG.Wait()
	s.pending.Wait()
}

func (s *Service) dispatch(ctx context.Context, fn func(context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) notify(ctx context.Context, n transport.Notification) {
	if s.notifier != nil {
		err := s.notifier.NotifyResponders(ctx, n)
		if err == nil {
			return
		}
		s.log.Error("Responder notification failed", map[string]interface{}{
			"caseId":   n.CaseID,
			"kind":     string(n.Kind),
			"error":    err,
			"severity": "critical",
		})
	}
	if s.fallback == nil {
		return
	}
	if err := s.fallback.NotifyResponders(ctx, n); err != nil {
		s.log.Error("Fallback notification failed", map[string]interface{}{
			"caseId":   n.CaseID,
			"kind":     string(n.Kind),
			"error":    err,
			"severity": "critical",
		})
		return
	}
	s.log.Warn("Fallback notification delivered", map[string]interface{}{
		"caseId": n.CaseID,
		"kind":   string(n.Kind),
	})
}

func (s *Service) handOff(ctx context.Context, snap *models.EmergencyCase, reason string) {
	if s.crisis == nil {
		return
	}
	if err := s.crisis.Escalate(ctx, crisis.NewRequest(snap, reason, s.now())); err != nil {
		s.log.Error("Crisis service hand-off failed", map[string]interface{}{
			"caseId":   snap.ID,
			"reason":   reason,
			"error":    err,
			"severity": "critical",
		})
	}
}

func (s *Service) closeOut(ctx context.Context, snap *models.EmergencyCase) {
	closer, ok := s.crisis.(crisis.CaseCloser)
	if !ok {
		return
	}
	if err := closer.CaseClosed(ctx, snap); err != nil {
		s.log.Warn("Crisis service close-out failed", map[string]interface{}{
			"caseId": snap.ID,
			"status": string(snap.Status),
			"error":  err,
		})
	}
}

func (s *Service) save(ctx context.Context, snap *models.EmergencyCase) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveEmergencyCase(ctx, snap); err != nil {
		s.log.Error("Failed to persist emergency case", map[string]interface{}{
			"caseId":   snap.ID,
			"error":    err,
			"severity": "critical",
		})
	}
}

func (s *Service) update(ctx context.Context, snap *models.EmergencyCase) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateEmergencyCase(ctx, snap); err != nil {
		s.log.Error("Failed to update emergency case", map[string]interface{}{
			"caseId": snap.ID,
			"status": string(snap.Status),
			"error":  err,
		})
	}
}

func (s *Service) archiveCase(ctx context.Context, snap *models.EmergencyCase) {
	if s.archive == nil {
		return
	}
	if err := s.archive.ArchiveCase(ctx, snap); err != nil {
		s.log.Warn("Failed to archive emergency case", map[string]interface{}{
			"caseId": snap.ID,
			"error":  err,
		})
	}
}

// OnClosed replaces the closed-case handler. It runs synchronously after the
// transition, outside the service lock.
func (s *Service) OnClosed(h ClosedHandler) {
	s.hookMu.Lock()
	s.onClosed = h
	s.hookMu.Unlock()
}

func (s *Service) closedHook(snap *models.EmergencyCase) {
	s.hookMu.RLock()
	h := s.onClosed
	s.hookMu.RUnlock()
	if h != nil {
		h(snap.Clone())
	}
}

func notificationFor(c *models.EmergencyCase, kind transport.NotificationKind, at time.Time) transport.Notification {
	return transport.Notification{
		Kind:       kind,
		CaseID:     c.ID,
		TetherID:   c.TetherID,
		Recipients: append([]string(nil), c.Responders...),
		Urgency:    c.Urgency,
		Category:   c.Category,
		Message:    c.Message,
		Location:   c.Location,
		SentAt:     at,
	}
}

func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func addResponder(list []string, id string) []string {
	for _, r := range list {
		if r == id {
			return list
		}
	}
	return append(list, id)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = addResponder(out, id)
		}
	}
	return out
}
