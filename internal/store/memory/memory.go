// Package memory is an in-process Store used by tests and single-node
// deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/models"
	"peer-tether/internal/store"
)

type Store struct {
	mu      sync.RWMutex
	tethers map[string]*models.Tether
	pulses  map[string][]*models.Pulse
	cases   map[string]*models.EmergencyCase
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tethers: make(map[string]*models.Tether),
		pulses:  make(map[string][]*models.Pulse),
		cases:   make(map[string]*models.EmergencyCase),
	}
}

func (s *Store) CreateTether(_ context.Context, t *models.Tether) error {
	if t.ID == "" {
		return apperrors.NewValidationFailedError("tether id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tethers[t.ID]; ok {
		return apperrors.NewValidationFailedError("tether " + t.ID + " already exists")
	}
	s.tethers[t.ID] = store.CloneTether(t)
	return nil
}

func (s *Store) GetTether(_ context.Context, id string) (*models.Tether, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tethers[id]
	if !ok {
		return nil, apperrors.NewConnectionNotFoundError(id)
	}
	return store.CloneTether(t), nil
}

func (s *Store) UpdateTether(_ context.Context, t *models.Tether) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tethers[t.ID]
	if !ok {
		return apperrors.NewConnectionNotFoundError(t.ID)
	}
	next := store.CloneTether(t)
	next.EmergencyActive = prev.EmergencyActive
	s.tethers[t.ID] = next
	return nil
}

func (s *Store) SetEmergencyActive(_ context.Context, tetherID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tethers[tetherID]
	if !ok {
		return apperrors.NewConnectionNotFoundError(tetherID)
	}
	t.EmergencyActive = active
	return nil
}

func (s *Store) UpdateScores(_ context.Context, tetherID string, strength, trust float64, lastPulseAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tethers[tetherID]
	if !ok {
		return false, apperrors.NewConnectionNotFoundError(tetherID)
	}
	if !t.LastPulseAt.Equal(lastPulseAt) {
		return false, nil
	}
	t.Strength, t.Trust = strength, trust
	return true, nil
}

func (s *Store) SetMissedPulses(_ context.Context, tetherID string, missed int, lastPulseAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tethers[tetherID]
	if !ok {
		return false, apperrors.NewConnectionNotFoundError(tetherID)
	}
	if !t.LastPulseAt.Equal(lastPulseAt) {
		return false, nil
	}
	t.MissedPulses = missed
	return true, nil
}

func (s *Store) ListActiveTethers(_ context.Context, limit, offset int) ([]*models.Tether, error) {
	s.mu.RLock()
	var all []*models.Tether
	for _, t := range s.tethers {
		if t.Status == models.TetherStatusActive {
			all = append(all, store.CloneTether(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListUserTethers(_ context.Context, userID string) ([]*models.Tether, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Tether
	for _, t := range s.tethers {
		if t.Status == models.TetherStatusActive && t.Involves(userID) {
			out = append(out, store.CloneTether(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountActiveConnections(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tethers {
		if t.Status == models.TetherStatusActive && !t.EmergencyActive && t.Involves(userID) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeactivateIdle(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tethers {
		if t.Status == models.TetherStatusActive && !t.EmergencyActive && t.LastActivityAt.Before(cutoff) {
			t.Status = models.TetherStatusInactive
			n++
		}
	}
	return n, nil
}

func (s *Store) SavePulse(_ context.Context, p *models.Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tethers[p.TetherID]; !ok {
		return apperrors.NewConnectionNotFoundError(p.TetherID)
	}
	cp := *p
	s.pulses[p.TetherID] = append(s.pulses[p.TetherID], &cp)
	return nil
}

func (s *Store) GetPulse(_ context.Context, tetherID, pulseID string) (*models.Pulse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.findPulse(tetherID, pulseID)
	if p == nil {
		return nil, apperrors.NewPulseNotFoundError(pulseID)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) AcknowledgePulse(_ context.Context, tetherID, pulseID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findPulse(tetherID, pulseID)
	if p == nil {
		return false, apperrors.NewPulseNotFoundError(pulseID)
	}
	if p.AcknowledgedAt != nil {
		return false, nil
	}
	p.AcknowledgedAt = &at
	return true, nil
}

func (s *Store) findPulse(tetherID, pulseID string) *models.Pulse {
	for _, p := range s.pulses[tetherID] {
		if p.ID == pulseID {
			return p
		}
	}
	return nil
}

func (s *Store) PulseStats(_ context.Context, tetherID string, since time.Time) (models.PulseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.PulseStats
	var ackSum time.Duration
	for _, p := range s.pulses[tetherID] {
		if p.CreatedAt.Before(since) {
			continue
		}
		stats.TotalCount++
		if p.Type == models.PulseMessage {
			stats.MessageCount++
		}
		if p.IsPositive() {
			stats.PositiveCount++
		}
		if p.AcknowledgedAt != nil {
			stats.AcknowledgedCount++
			ackSum += p.AcknowledgedAt.Sub(p.CreatedAt)
		}
	}
	if stats.AcknowledgedCount > 0 {
		stats.AverageAckLatency = ackSum / time.Duration(stats.AcknowledgedCount)
	}

	for _, c := range s.cases {
		if c.TetherID != tetherID || c.CreatedAt.Before(since) {
			continue
		}
		rt, ok := c.ResponseTime()
		if ok && (stats.BestEmergencyResponse == 0 || rt < stats.BestEmergencyResponse) {
			stats.BestEmergencyResponse = rt
		}
	}
	return stats, nil
}

func (s *Store) SaveEmergencyCase(_ context.Context, c *models.EmergencyCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; ok {
		return nil
	}
	s.cases[c.ID] = c.Clone()
	return nil
}

// UpdateEmergencyCase upserts: case writes are dispatched concurrently and an
// update may land before the initial save.
func (s *Store) UpdateEmergencyCase(_ context.Context, c *models.EmergencyCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cases[c.ID]; ok && statusRank(prev.Status) > statusRank(c.Status) {
		return nil
	}
	s.cases[c.ID] = c.Clone()
	return nil
}

// statusRank orders case states so a late write never moves a case backwards.
func statusRank(st models.CaseStatus) int {
	switch st {
	case models.CaseActive:
		return 0
	case models.CaseAcknowledged:
		return 1
	case models.CaseResponding:
		return 2
	default:
		return 3
	}
}

// EmergencyCase returns a stored case. Not part of store.Store.
func (s *Store) EmergencyCase(id string) (*models.EmergencyCase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Pulses returns the stored pulses of a tether in insertion order.
func (s *Store) Pulses(tetherID string) []models.Pulse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Pulse, 0, len(s.pulses[tetherID]))
	for _, p := range s.pulses[tetherID] {
		out = append(out, *p)
	}
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
