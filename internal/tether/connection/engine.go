// Package connection orchestrates tethers: it matches and creates them,
// records pulses, routes emergencies and keeps strength scores current.
package connection

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
	"peer-tether/internal/models"
	"peer-tether/internal/store"
	"peer-tether/internal/tether/emergency"
	"peer-tether/internal/tether/heartbeat"
	"peer-tether/internal/tether/matching"
	"peer-tether/internal/transport"
)

// PulseInput is what a caller sends on a tether.
type PulseInput struct {
	SenderID    string             `json:"sender_id"`
	Type        models.PulseType   `json:"type"`
	Strength    float64            `json:"strength"`
	Mood        int                `json:"mood"`
	Status      models.PulseStatus `json:"status"`
	Message     string             `json:"message,omitempty"`
	IsEmergency bool               `json:"is_emergency"`
	Urgency     models.Urgency     `json:"urgency"`
	Category    models.Category    `json:"category,omitempty"`
	Location    *models.Location   `json:"location,omitempty"`
	// Latency is the client-observed round trip, fed to the health monitor.
	Latency time.Duration `json:"-"`
}

// PulseReceipt is the outcome of SendPulse.
type PulseReceipt struct {
	Pulse         *models.Pulse         `json:"pulse"`
	Strength      float64               `json:"strength"`
	Trust         float64               `json:"trust"`
	EmergencyCase *models.EmergencyCase `json:"emergency_case,omitempty"`
}

type Engine struct {
	cfg Config
	log logger.Logger
	now func() time.Time

	store     store.Store
	matcher   *matching.Matcher
	monitor   *heartbeat.Monitor
	emergency *emergency.Service
	notifier  transport.Notifier

	locks tetherLocks

	// cache holds tethers this instance has touched so the emergency path
	// never waits on the store. Entries are replaced or merged only under
	// the tether lock; the emergency flag always mirrors the open cases.
	cacheMu sync.RWMutex
	cache   map[string]*models.Tether

	// flagMu orders emergency-flag refreshes. flagSync marks tethers with a
	// store write in flight; true means another write is owed.
	flagMu   sync.Mutex
	flagSync map[string]bool

	reserveMu sync.Mutex
	reserved  map[string]int

	pending   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	loopWG    sync.WaitGroup
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithNotifier(n transport.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine wires the engine to its collaborators and registers for
// connection-issue and case-closed events.
func NewEngine(cfg Config, st store.Store, matcher *matching.Matcher, monitor *heartbeat.Monitor, em *emergency.Service, log logger.Logger, opts ...Option) *Engine {
	cfg.normalize()
	e := &Engine{
		cfg:       cfg,
		log:       log.WithFields(map[string]interface{}{"component": "connection_engine"}),
		now:       time.Now,
		store:     st,
		matcher:   matcher,
		monitor:   monitor,
		emergency: em,
		notifier:  transport.Discard{},
		cache:     make(map[string]*models.Tether),
		flagSync:  make(map[string]bool),
		reserved:  make(map[string]int),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	// Postgres keeps microseconds; last_pulse_at comparisons need the
	// cached value to match the stored one exactly.
	clock := e.now
	e.now = func() time.Time { return clock().Truncate(time.Microsecond) }
	monitor.OnIssue(e.connectionIssue)
	em.OnClosed(e.caseClosed)
	return e
}

// ==========================
// Connections
// ==========================

// CreateConnection matches seeker and supporter, enforces the per-user cap
// and persists a new tether with strength 0.5 and trust 0.
func (e *Engine) CreateConnection(ctx context.Context, seeker, supporter matching.Profile, prefs *matching.Preferences) (*models.Tether, error) {
	start := time.Now()
	defer func() {
		metrics.ConnectionOperationDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	if seeker.UserID == "" || supporter.UserID == "" {
		return nil, apperrors.NewValidationFailedError("seeker and supporter ids are required")
	}
	if seeker.UserID == supporter.UserID {
		return nil, apperrors.NewValidationFailedError("seeker and supporter must differ")
	}

	result, err := e.matcher.Check(seeker, supporter, prefs)
	if err != nil {
		metrics.ConnectionsCreated.WithLabelValues("incompatible").Inc()
		return nil, err
	}

	users := []string{seeker.UserID, supporter.UserID}
	release, err := e.reserve(ctx, users)
	if err != nil {
		metrics.ConnectionsCreated.WithLabelValues("limit_exceeded").Inc()
		return nil, err
	}
	defer release()

	now := e.now()
	t := &models.Tether{
		ID:                uuid.NewString(),
		SeekerID:          seeker.UserID,
		SupporterID:       supporter.UserID,
		Strength:          0.5,
		Trust:             0,
		MatchingScore:     result.Score,
		SharedSpecialties: result.SharedSpecialties,
		SharedLanguages:   result.SharedLanguages,
		PulseInterval:     e.cfg.DefaultPulseInterval,
		LastActivityAt:    now,
		LastPulseAt:       now,
		Status:            models.TetherStatusActive,
		CreatedAt:         now,
	}
	if err := e.store.CreateTether(ctx, t); err != nil {
		metrics.ConnectionsCreated.WithLabelValues("error").Inc()
		return nil, err
	}
	unlock := e.locks.lock(t.ID)
	e.cachePut(t)
	unlock()
	e.monitor.StartMonitoring(t.ID, t.PulseInterval)
	metrics.ConnectionsCreated.WithLabelValues("created").Inc()

	e.log.Info("Connection created", map[string]interface{}{
		"tetherId":      t.ID,
		"seekerId":      t.SeekerID,
		"supporterId":   t.SupporterID,
		"matchingScore": t.MatchingScore,
	})

	if _, err := e.SendPulse(ctx, t.ID, PulseInput{
		SenderID: seeker.UserID,
		Type:     models.PulseHeartbeat,
		Strength: t.Strength,
		Status:   models.PulseStatusOK,
	}); err != nil {
		e.log.Warn("Initial heartbeat failed", map[string]interface{}{
			"tetherId": t.ID,
			"error":    err,
		})
	}

	if cached, ok := e.cacheGet(t.ID); ok {
		return cached, nil
	}
	return store.CloneTether(t), nil
}

// reserve checks the cap for every user and holds a slot for each until the
// returned release is called, so concurrent creates cannot overshoot. Counts
// are read under reserveMu: a slot is released only after its tether is
// stored, so a count taken outside the lock could miss it.
func (e *Engine) reserve(ctx context.Context, users []string) (func(), error) {
	e.reserveMu.Lock()
	defer e.reserveMu.Unlock()

	counts := make(map[string]int, len(users))
	for _, u := range users {
		n, err := e.store.CountActiveConnections(ctx, u)
		if err != nil {
			return nil, err
		}
		counts[u] = n
	}
	for _, u := range users {
		if counts[u]+e.reserved[u] >= e.cfg.MaxPerUser {
			return nil, apperrors.NewConnectionLimitExceededError(u, e.cfg.MaxPerUser)
		}
	}
	for _, u := range users {
		e.reserved[u]++
	}
	return func() {
		e.reserveMu.Lock()
		defer e.reserveMu.Unlock()
		for _, u := range users {
			if e.reserved[u]--; e.reserved[u] <= 0 {
				delete(e.reserved, u)
			}
		}
	}, nil
}

func (e *Engine) GetConnection(ctx context.Context, tetherID string) (*models.Tether, error) {
	if t, ok := e.cacheGet(tetherID); ok {
		return t, nil
	}
	t, err := e.store.GetTether(ctx, tetherID)
	if err != nil {
		return nil, err
	}
	return e.cacheFill(t), nil
}

func (e *Engine) ListActiveConnections(ctx context.Context, userID string) ([]*models.Tether, error) {
	if userID == "" {
		return nil, apperrors.NewValidationFailedError("userId is required")
	}
	return e.store.ListUserTethers(ctx, userID)
}

// GetConnectionHealth returns the monitor's snapshot. A stored tether this
// instance is not monitoring yet is picked up from now on.
func (e *Engine) GetConnectionHealth(ctx context.Context, tetherID string) (models.HealthSnapshot, error) {
	snap, err := e.monitor.Snapshot(tetherID)
	if err == nil {
		return snap, nil
	}
	t, gerr := e.GetConnection(ctx, tetherID)
	if gerr != nil {
		return models.HealthSnapshot{}, gerr
	}
	if t.Status != models.TetherStatusActive {
		return models.HealthSnapshot{
			TetherID: tetherID,
			Status:   models.HealthDisconnected,
			Quality:  models.QualityCritical,
		}, nil
	}
	e.monitor.StartMonitoring(t.ID, t.PulseInterval)
	return e.monitor.Snapshot(tetherID)
}

// ==========================
// Pulses
// ==========================

// SendPulse records a pulse. Pulses on one tether are serialized; other
// tethers proceed independently.
func (e *Engine) SendPulse(ctx context.Context, tetherID string, in PulseInput) (*PulseReceipt, error) {
	start := time.Now()
	defer func() {
		metrics.ConnectionOperationDuration.WithLabelValues("pulse").Observe(time.Since(start).Seconds())
	}()

	if in.Type == models.PulseEmergency {
		in.IsEmergency = true
	}
	if err := validatePulse(&in); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(tetherID)
	defer unlock()

	t, err := e.GetConnection(ctx, tetherID)
	if err != nil {
		return nil, err
	}
	if !t.Involves(in.SenderID) {
		return nil, apperrors.NewValidationFailedError(fmt.Sprintf("sender %s is not part of tether %s", in.SenderID, tetherID))
	}

	now := e.now()
	p := &models.Pulse{
		ID:          uuid.NewString(),
		TetherID:    tetherID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		Strength:    in.Strength,
		Mood:        in.Mood,
		Status:      in.Status,
		Message:     in.Message,
		IsEmergency: in.IsEmergency,
		Urgency:     in.Urgency,
		CreatedAt:   now,
	}
	if err := e.store.SavePulse(ctx, p); err != nil {
		return nil, err
	}
	metrics.PulsesTotal.WithLabelValues(p.Type.String()).Inc()

	t.LastActivityAt = now
	t.LastPulseAt = now
	t.MissedPulses = 0
	if t.Status != models.TetherStatusActive {
		t.Status = models.TetherStatusActive
	}
	e.recordHeartbeat(t, in.Latency)

	receipt := &PulseReceipt{Pulse: p}
	if in.IsEmergency {
		c, err := e.ActivateEmergency(ctx, tetherID, models.Trigger{
			TriggeredBy: in.SenderID,
			Urgency:     in.Urgency,
			Category:    in.Category,
			Message:     in.Message,
			Location:    in.Location,
		})
		if err != nil {
			return nil, err
		}
		receipt.EmergencyCase = c
	}

	if in.Type != models.PulseHeartbeat {
		if err := e.applyStrength(ctx, t, "pulse"); err != nil {
			e.log.Warn("Strength recompute failed", map[string]interface{}{
				"tetherId": tetherID,
				"error":    err,
			})
		}
	}

	if err := e.store.UpdateTether(ctx, t); err != nil {
		return nil, err
	}
	t = e.cachePut(t)
	receipt.Strength, receipt.Trust = t.Strength, t.Trust

	if in.Type == models.PulseMessage || in.Type == models.PulseCheckIn {
		msg := transport.Message{
			TetherID:    tetherID,
			PulseID:     p.ID,
			SenderID:    in.SenderID,
			RecipientID: t.Peer(in.SenderID),
			Type:        p.Type,
			Status:      string(p.Status),
			Body:        p.Message,
			SentAt:      now,
		}
		e.dispatch(ctx, func(ctx context.Context) {
			if err := e.notifier.DeliverMessage(ctx, msg); err != nil {
				e.log.Warn("Message delivery failed", map[string]interface{}{
					"tetherId": tetherID,
					"pulseId":  msg.PulseID,
					"error":    err,
				})
			}
		})
	}
	return receipt, nil
}

func validatePulse(in *PulseInput) error {
	if in.SenderID == "" {
		return apperrors.NewValidationFailedError("senderId is required")
	}
	if !in.Type.Valid() {
		return apperrors.NewValidationFailedError(fmt.Sprintf("invalid pulse type %d", int(in.Type)))
	}
	if in.Strength < 0 || in.Strength > 1 {
		return apperrors.NewValidationFailedError("strength must be within [0,1]")
	}
	if in.Mood < 0 || in.Mood > 10 {
		return apperrors.NewValidationFailedError("mood must be within [0,10]")
	}
	if in.Status == "" {
		in.Status = models.PulseStatusOK
	}
	if in.IsEmergency && in.Urgency == models.UrgencyNone {
		in.Urgency = models.UrgencyHigh
	}
	return nil
}

func (e *Engine) recordHeartbeat(t *models.Tether, latency time.Duration) {
	if err := e.monitor.RecordHeartbeat(t.ID, latency); err != nil {
		e.monitor.StartMonitoring(t.ID, t.PulseInterval)
		_ = e.monitor.RecordHeartbeat(t.ID, latency)
	}
}

// ==========================
// Emergencies
// ==========================

// ActivateEmergency opens an emergency case on the tether without pulse
// bookkeeping. The tether flag is set in memory before returning and written
// to the store in the background. It never takes the tether lock.
func (e *Engine) ActivateEmergency(ctx context.Context, tetherID string, trigger models.Trigger) (*models.EmergencyCase, error) {
	start := time.Now()

	t, err := e.emergencyTether(ctx, tetherID)
	if err != nil {
		e.logActivationFailure(tetherID, err)
		return nil, apperrors.NewEmergencyActivationFailedError(tetherID, err)
	}
	if trigger.TriggeredBy != "" && !t.Involves(trigger.TriggeredBy) {
		err := fmt.Errorf("user %s is not part of tether", trigger.TriggeredBy)
		e.logActivationFailure(tetherID, err)
		return nil, apperrors.NewEmergencyActivationFailedError(tetherID, err)
	}
	if trigger.TriggeredBy == "" {
		trigger.TriggeredBy = t.SeekerID
	}
	trigger.Responders = append([]string{t.Peer(trigger.TriggeredBy)}, trigger.Responders...)

	c, err := e.emergency.Activate(ctx, tetherID, trigger)
	if err != nil {
		e.logActivationFailure(tetherID, err)
		if errors.Is(err, apperrors.ErrEmergencyActivationFailed) {
			return nil, err
		}
		return nil, apperrors.NewEmergencyActivationFailedError(tetherID, err)
	}

	e.refreshEmergencyFlag(ctx, tetherID)

	elapsed := time.Since(start)
	metrics.ConnectionOperationDuration.WithLabelValues("activate_emergency").Observe(elapsed.Seconds())
	fields := map[string]interface{}{
		"tetherId":   tetherID,
		"caseId":     c.ID,
		"urgency":    c.Urgency.String(),
		"durationMs": float64(elapsed.Microseconds()) / 1000,
	}
	if elapsed > e.cfg.ActivationBudget {
		fields["budgetMs"] = e.cfg.ActivationBudget.Milliseconds()
		e.log.Warn("Emergency activation exceeded budget", fields)
	} else {
		e.log.Info("Emergency activation completed", fields)
	}
	return c, nil
}

// emergencyTether prefers the cache and bounds the store lookup otherwise.
func (e *Engine) emergencyTether(ctx context.Context, tetherID string) (*models.Tether, error) {
	if t, ok := e.cacheGet(tetherID); ok {
		return t, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActivationBudget)
	defer cancel()
	t, err := e.store.GetTether(ctx, tetherID)
	if err != nil {
		return nil, err
	}
	return e.cacheFill(t), nil
}

func (e *Engine) logActivationFailure(tetherID string, err error) {
	e.log.Error("Emergency activation failed", map[string]interface{}{
		"tetherId": tetherID,
		"error":    err,
		"severity": "critical",
	})
}

// refreshEmergencyFlag sets the tether flag from its open cases: in the cache
// at once, in the store in the background. It reports the new value.
func (e *Engine) refreshEmergencyFlag(ctx context.Context, tetherID string) bool {
	e.flagMu.Lock()
	active := e.hasOpenCase(tetherID)
	e.cacheMu.Lock()
	if t, ok := e.cache[tetherID]; ok {
		t.EmergencyActive = active
	}
	e.cacheMu.Unlock()
	_, writing := e.flagSync[tetherID]
	e.flagSync[tetherID] = writing
	e.flagMu.Unlock()

	if !writing {
		e.dispatch(ctx, func(ctx context.Context) { e.persistEmergencyFlag(ctx, tetherID) })
	}
	return active
}

// persistEmergencyFlag is the single store writer for a tether's flag. It
// writes again whenever a refresh arrived during the previous write, so the
// last write reflects the last change.
func (e *Engine) persistEmergencyFlag(ctx context.Context, tetherID string) {
	for {
		active := e.hasOpenCase(tetherID)
		if err := e.store.SetEmergencyActive(ctx, tetherID, active); err != nil {
			e.log.Error("Failed to persist emergency flag", map[string]interface{}{
				"tetherId": tetherID,
				"active":   active,
				"error":    err,
				"severity": "critical",
			})
		}

		e.flagMu.Lock()
		if !e.flagSync[tetherID] {
			delete(e.flagSync, tetherID)
			e.flagMu.Unlock()
			return
		}
		e.flagSync[tetherID] = false
		e.flagMu.Unlock()
	}
}

func (e *Engine) hasOpenCase(tetherID string) bool {
	return len(e.emergency.OpenCases(tetherID)) > 0
}

// caseClosed clears the tether flag once its last open case closes.
func (e *Engine) caseClosed(c *models.EmergencyCase) {
	if e.refreshEmergencyFlag(context.Background(), c.TetherID) {
		return
	}
	e.log.Info("Tether emergency cleared", map[string]interface{}{
		"tetherId": c.TetherID,
		"caseId":   c.ID,
		"status":   string(c.Status),
	})
}

// connectionIssue tells both ends that heartbeats stopped and records the
// missed count on the tether.
func (e *Engine) connectionIssue(ev heartbeat.IssueEvent) {
	e.dispatch(context.Background(), func(ctx context.Context) {
		t, err := e.GetConnection(ctx, ev.TetherID)
		if err == nil {
			_, err = e.recordMissed(ctx, t, ev.MissedBeats)
		}
		if err != nil {
			e.log.Warn("Failed to record missed pulses", map[string]interface{}{
				"tetherId": ev.TetherID,
				"error":    err,
			})
			return
		}

		n := transport.Notification{
			Kind:       transport.KindConnectionIssue,
			TetherID:   t.ID,
			Recipients: []string{t.SeekerID, t.SupporterID},
			Message:    fmt.Sprintf("%d heartbeats missed, connection %s.", ev.MissedBeats, ev.Quality.Status()),
			SentAt:     ev.DetectedAt,
		}
		if err := e.notifier.NotifyResponders(ctx, n); err != nil {
			e.log.Warn("Connection issue notification failed", map[string]interface{}{
				"tetherId": t.ID,
				"error":    err,
			})
		}
	})
}

// recordMissed stores a missed-beat count read against t without holding
// the tether lock. A pulse that landed after t was read wins and the count
// is dropped.
func (e *Engine) recordMissed(ctx context.Context, t *models.Tether, missed int) (bool, error) {
	applied, err := e.store.SetMissedPulses(ctx, t.ID, missed, t.LastPulseAt)
	if err != nil || !applied {
		return false, err
	}
	e.cacheMerge(t.ID, func(c *models.Tether) bool {
		if !c.LastPulseAt.Equal(t.LastPulseAt) {
			return false
		}
		c.MissedPulses = missed
		return true
	})
	return true, nil
}

// ==========================
// Strength
// ==========================

// applyStrength recomputes strength and trust from stored history. The
// caller holds the tether lock and persists t.
func (e *Engine) applyStrength(ctx context.Context, t *models.Tether, trigger string) error {
	now := e.now()
	stats, err := e.store.PulseStats(ctx, t.ID, now.Add(-e.cfg.StrengthWindow))
	if err != nil {
		metrics.StrengthRecomputed.WithLabelValues(trigger, "error").Inc()
		return err
	}
	t.Strength, t.Trust = CalculateStrength(InputsFrom(stats, t.AgeDays(now)))
	t.Clamp()
	metrics.StrengthRecomputed.WithLabelValues(trigger, "ok").Inc()
	return nil
}

// RecomputeStrength refreshes one tether's scores without holding the tether
// lock across store calls. Scores computed before a pulse that has since
// landed are discarded; that pulse already recomputed them.
func (e *Engine) RecomputeStrength(ctx context.Context, tetherID string) (*models.Tether, error) {
	t, err := e.GetConnection(ctx, tetherID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	stats, err := e.store.PulseStats(ctx, tetherID, now.Add(-e.cfg.StrengthWindow))
	if err != nil {
		metrics.StrengthRecomputed.WithLabelValues("recompute", "error").Inc()
		return nil, err
	}
	scored := store.CloneTether(t)
	scored.Strength, scored.Trust = CalculateStrength(InputsFrom(stats, t.AgeDays(now)))
	scored.Clamp()

	applied, err := e.store.UpdateScores(ctx, tetherID, scored.Strength, scored.Trust, t.LastPulseAt)
	if err != nil {
		metrics.StrengthRecomputed.WithLabelValues("recompute", "error").Inc()
		return nil, err
	}
	if !applied {
		metrics.StrengthRecomputed.WithLabelValues("recompute", "stale").Inc()
		return e.GetConnection(ctx, tetherID)
	}
	metrics.StrengthRecomputed.WithLabelValues("recompute", "ok").Inc()

	e.cacheMerge(tetherID, func(c *models.Tether) bool {
		if !c.LastPulseAt.Equal(t.LastPulseAt) {
			return false
		}
		c.Strength, c.Trust = scored.Strength, scored.Trust
		return true
	})
	return e.GetConnection(ctx, tetherID)
}

// AcknowledgePulse records that the peer of the pulse's sender saw it, then
// refreshes the tether's scores. A second acknowledgement keeps the first
// time.
func (e *Engine) AcknowledgePulse(ctx context.Context, tetherID, pulseID, userID string) (*PulseReceipt, error) {
	if userID == "" {
		return nil, apperrors.NewValidationFailedError("userId is required")
	}
	t, err := e.GetConnection(ctx, tetherID)
	if err != nil {
		return nil, err
	}
	if !t.Involves(userID) {
		return nil, apperrors.NewValidationFailedError(fmt.Sprintf("user %s is not part of tether %s", userID, tetherID))
	}

	p, err := e.store.GetPulse(ctx, tetherID, pulseID)
	if err != nil {
		return nil, err
	}
	if p.SenderID == userID {
		return nil, apperrors.NewValidationFailedError("a pulse is acknowledged by the peer, not its sender")
	}

	if p.AcknowledgedAt == nil {
		now := e.now()
		applied, err := e.store.AcknowledgePulse(ctx, tetherID, pulseID, now)
		if err != nil {
			return nil, err
		}
		if applied {
			p.AcknowledgedAt = &now
			metrics.PulsesAcknowledged.Inc()
		} else if p, err = e.store.GetPulse(ctx, tetherID, pulseID); err != nil {
			return nil, err
		}
	}

	receipt := &PulseReceipt{Pulse: p, Strength: t.Strength, Trust: t.Trust}
	updated, err := e.RecomputeStrength(ctx, tetherID)
	if err != nil {
		e.log.Warn("Strength recompute after acknowledgement failed", map[string]interface{}{
			"tetherId": tetherID,
			"pulseId":  pulseID,
			"error":    err,
		})
		return receipt, nil
	}
	receipt.Strength, receipt.Trust = updated.Strength, updated.Trust
	return receipt, nil
}

// ==========================
// Internals
// ==========================

func (e *Engine) cacheGet(id string) (*models.Tether, bool) {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	t, ok := e.cache[id]
	if !ok {
		return nil, false
	}
	return store.CloneTether(t), true
}

// cachePut replaces the cached tether and returns the cached copy. The
// caller holds the tether lock. The emergency flag comes from the open
// cases, not from t.
func (e *Engine) cachePut(t *models.Tether) *models.Tether {
	e.flagMu.Lock()
	defer e.flagMu.Unlock()
	cp := store.CloneTether(t)
	cp.EmergencyActive = e.hasOpenCase(t.ID)

	e.cacheMu.Lock()
	e.cache[t.ID] = cp
	e.cacheMu.Unlock()
	return store.CloneTether(cp)
}

// cacheFill caches a tether read from the store unless one is cached
// already, and returns whichever is cached.
func (e *Engine) cacheFill(t *models.Tether) *models.Tether {
	e.flagMu.Lock()
	defer e.flagMu.Unlock()
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if cur, ok := e.cache[t.ID]; ok {
		return store.CloneTether(cur)
	}
	cp := store.CloneTether(t)
	cp.EmergencyActive = e.hasOpenCase(t.ID)
	e.cache[t.ID] = cp
	return store.CloneTether(cp)
}

// cacheMerge applies fn to the cached tether under the tether lock. It holds
// no lock across I/O, so background loops use it to publish store results.
func (e *Engine) cacheMerge(id string, fn func(*models.Tether) bool) bool {
	unlock := e.locks.lock(id)
	defer unlock()
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	t, ok := e.cache[id]
	if !ok {
		return false
	}
	return fn(t)
}

func (e *Engine) cacheDrop(id string) {
	e.cacheMu.Lock()
	delete(e.cache, id)
	e.cacheMu.Unlock()
}

// dispatch runs fn in the background with its own timeout. Close waits for
// it.
func (e *Engine) dispatch(ctx context.Context, fn func(context.Context)) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
		defer cancel()
		fn(ctx)
	}()
}
