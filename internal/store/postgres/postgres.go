// Package postgres implements store.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/models"
	"peer-tether/internal/store"
)

const tetherColumns = `id, seeker_id, supporter_id, strength, trust, matching_score,
	shared_specialties, shared_languages, pulse_interval_ms, emergency_active,
	last_activity_at, last_pulse_at, missed_pulses, status, created_at`

const (
	insertTetherQuery = `INSERT INTO tethers (` + tetherColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	selectTetherQuery = `SELECT ` + tetherColumns + ` FROM tethers WHERE id = $1`

	updateTetherQuery = `UPDATE tethers SET strength = $2, trust = $3, pulse_interval_ms = $4,
	last_activity_at = $5, last_pulse_at = $6, missed_pulses = $7, status = $8
	WHERE id = $1`

	setEmergencyQuery = `UPDATE tethers SET emergency_active = $2 WHERE id = $1`

	updateScoresQuery = `UPDATE tethers SET strength = $2, trust = $3
	WHERE id = $1 AND last_pulse_at IS NOT DISTINCT FROM $4`

	setMissedPulsesQuery = `UPDATE tethers SET missed_pulses = $2
	WHERE id = $1 AND last_pulse_at IS NOT DISTINCT FROM $3`

	listActiveQuery = `SELECT ` + tetherColumns + ` FROM tethers
	WHERE status = 'active' ORDER BY id LIMIT $1 OFFSET $2`

	listUserQuery = `SELECT ` + tetherColumns + ` FROM tethers
	WHERE status = 'active' AND (seeker_id = $1 OR supporter_id = $1) ORDER BY created_at`

	countActiveQuery = `SELECT COUNT(*) FROM tethers
	WHERE status = 'active' AND NOT emergency_active AND (seeker_id = $1 OR supporter_id = $1)`

	deactivateIdleQuery = `UPDATE tethers SET status = 'inactive'
	WHERE status = 'active' AND NOT emergency_active AND last_activity_at < $1`

	insertPulseQuery = `INSERT INTO pulses (id, tether_id, sender_id, type, strength, mood, status,
	message, is_emergency, urgency, created_at, acknowledged_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	selectPulseQuery = `SELECT id, tether_id, sender_id, type, strength, mood, status,
	message, is_emergency, urgency, created_at, acknowledged_at
	FROM pulses WHERE id = $1 AND tether_id = $2`

	ackPulseQuery = `UPDATE pulses SET acknowledged_at = $3
	WHERE id = $1 AND tether_id = $2 AND acknowledged_at IS NULL`

	pulseStatsQuery = `SELECT COUNT(*),
	COUNT(*) FILTER (WHERE type = 'message'),
	COUNT(*) FILTER (WHERE NOT is_emergency AND (status IN ('ok', 'thinking_of_you') OR mood >= 6)),
	COUNT(acknowledged_at),
	COALESCE(AVG(EXTRACT(EPOCH FROM acknowledged_at - created_at)), 0)
	FROM pulses WHERE tether_id = $1 AND created_at >= $2`

	bestResponseQuery = `SELECT COALESCE(MIN(EXTRACT(EPOCH FROM responded_at - COALESCE(acknowledged_at, created_at))), 0)
	FROM emergency_cases WHERE tether_id = $1 AND created_at >= $2 AND responded_at IS NOT NULL`

	contactQuery = `SELECT email, phone FROM responder_contacts WHERE user_id = $1`

	caseColumns = `id, tether_id, triggered_by, urgency, category, message, latitude, longitude,
	location_accuracy, responders, status, created_at, acknowledged_at, responded_at, resolved_at,
	escalated_at, follow_up_required, outcome, action_taken`

	insertCaseQuery = `INSERT INTO emergency_cases (` + caseColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (id) DO NOTHING`

	// Status only moves forward and terminal rows are final; a late write
	// for an earlier state is dropped.
	upsertCaseQuery = `INSERT INTO emergency_cases (` + caseColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (id) DO UPDATE SET
		responders = EXCLUDED.responders,
		status = EXCLUDED.status,
		acknowledged_at = EXCLUDED.acknowledged_at,
		responded_at = EXCLUDED.responded_at,
		resolved_at = EXCLUDED.resolved_at,
		escalated_at = EXCLUDED.escalated_at,
		follow_up_required = EXCLUDED.follow_up_required,
		outcome = EXCLUDED.outcome,
		action_taken = EXCLUDED.action_taken
	WHERE emergency_cases.status NOT IN ('RESOLVED', 'ESCALATED')
		AND CASE emergency_cases.status
			WHEN 'ACTIVE' THEN 0 WHEN 'ACKNOWLEDGED' THEN 1 WHEN 'RESPONDING' THEN 2 ELSE 3 END
		<= CASE EXCLUDED.status
			WHEN 'ACTIVE' THEN 0 WHEN 'ACKNOWLEDGED' THEN 1 WHEN 'RESPONDING' THEN 2 ELSE 3 END`
)

type Store struct {
	db  *sql.DB
	log logger.Logger
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log.WithFields(map[string]interface{}{"component": "postgres_store"}),
	}
}

func (s *Store) CreateTether(ctx context.Context, t *models.Tether) error {
	_, err := s.db.ExecContext(ctx, insertTetherQuery,
		t.ID, t.SeekerID, t.SupporterID, t.Strength, t.Trust, t.MatchingScore,
		pq.Array(nonNil(t.SharedSpecialties)), pq.Array(nonNil(t.SharedLanguages)),
		t.PulseInterval.Milliseconds(), t.EmergencyActive,
		t.LastActivityAt, nullTime(t.LastPulseAt), t.MissedPulses, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return s.fail("create_tether", err)
	}
	return nil
}

func (s *Store) GetTether(ctx context.Context, id string) (*models.Tether, error) {
	t, err := scanTether(s.db.QueryRowContext(ctx, selectTetherQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewConnectionNotFoundError(id)
	}
	if err != nil {
		return nil, s.fail("get_tether", err)
	}
	return t, nil
}

func (s *Store) UpdateTether(ctx context.Context, t *models.Tether) error {
	res, err := s.db.ExecContext(ctx, updateTetherQuery,
		t.ID, t.Strength, t.Trust, t.PulseInterval.Milliseconds(),
		t.LastActivityAt, nullTime(t.LastPulseAt), t.MissedPulses, string(t.Status),
	)
	if err != nil {
		return s.fail("update_tether", err)
	}
	return requireRow(res, t.ID)
}

func (s *Store) SetEmergencyActive(ctx context.Context, tetherID string, active bool) error {
	res, err := s.db.ExecContext(ctx, setEmergencyQuery, tetherID, active)
	if err != nil {
		return s.fail("set_emergency_active", err)
	}
	return requireRow(res, tetherID)
}

func (s *Store) UpdateScores(ctx context.Context, tetherID string, strength, trust float64, lastPulseAt time.Time) (bool, error) {
	return s.applyIf(ctx, "update_scores", updateScoresQuery, tetherID, strength, trust, nullTime(lastPulseAt))
}

func (s *Store) SetMissedPulses(ctx context.Context, tetherID string, missed int, lastPulseAt time.Time) (bool, error) {
	return s.applyIf(ctx, "set_missed_pulses", setMissedPulsesQuery, tetherID, missed, nullTime(lastPulseAt))
}

func (s *Store) applyIf(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, s.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail(op, err)
	}
	return n > 0, nil
}

func (s *Store) ListActiveTethers(ctx context.Context, limit, offset int) ([]*models.Tether, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTethers(ctx, "list_active_tethers", listActiveQuery, limit, offset)
}

func (s *Store) ListUserTethers(ctx context.Context, userID string) ([]*models.Tether, error) {
	return s.queryTethers(ctx, "list_user_tethers", listUserQuery, userID)
}

func (s *Store) CountActiveConnections(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countActiveQuery, userID).Scan(&n); err != nil {
		return 0, s.fail("count_active_connections", err)
	}
	return n, nil
}

func (s *Store) DeactivateIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, deactivateIdleQuery, cutoff)
	if err != nil {
		return 0, s.fail("deactivate_idle", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail("deactivate_idle", err)
	}
	return int(n), nil
}

func (s *Store) SavePulse(ctx context.Context, p *models.Pulse) error {
	var urgency string
	if p.Urgency != models.UrgencyNone {
		urgency = p.Urgency.String()
	}
	_, err := s.db.ExecContext(ctx, insertPulseQuery,
		p.ID, p.TetherID, p.SenderID, p.Type.String(), p.Strength, p.Mood, string(p.Status),
		p.Message, p.IsEmergency, urgency, p.CreatedAt, nullTimePtr(p.AcknowledgedAt),
	)
	if err != nil {
		return s.fail("save_pulse", err)
	}
	return nil
}

func (s *Store) GetPulse(ctx context.Context, tetherID, pulseID string) (*models.Pulse, error) {
	var (
		p       models.Pulse
		kind    string
		status  string
		urgency string
		ackedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectPulseQuery, pulseID, tetherID).Scan(
		&p.ID, &p.TetherID, &p.SenderID, &kind, &p.Strength, &p.Mood, &status,
		&p.Message, &p.IsEmergency, &urgency, &p.CreatedAt, &ackedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewPulseNotFoundError(pulseID)
	}
	if err != nil {
		return nil, s.fail("get_pulse", err)
	}
	p.Type, _ = models.ParsePulseType(kind)
	p.Status = models.PulseStatus(status)
	if urgency != "" {
		p.Urgency, _ = models.ParseUrgency(urgency)
	}
	if ackedAt.Valid {
		at := ackedAt.Time
		p.AcknowledgedAt = &at
	}
	return &p, nil
}

// AcknowledgePulse reports false both for an acknowledged pulse and for one
// that does not exist; callers look the pulse up first.
func (s *Store) AcknowledgePulse(ctx context.Context, tetherID, pulseID string, at time.Time) (bool, error) {
	return s.applyIf(ctx, "acknowledge_pulse", ackPulseQuery, pulseID, tetherID, at)
}

func (s *Store) PulseStats(ctx context.Context, tetherID string, since time.Time) (models.PulseStats, error) {
	var stats models.PulseStats
	var avgAck float64
	err := s.db.QueryRowContext(ctx, pulseStatsQuery, tetherID, since).Scan(
		&stats.TotalCount, &stats.MessageCount, &stats.PositiveCount, &stats.AcknowledgedCount, &avgAck,
	)
	if err != nil {
		return stats, s.fail("pulse_stats", err)
	}
	stats.AverageAckLatency = seconds(avgAck)

	var best float64
	if err := s.db.QueryRowContext(ctx, bestResponseQuery, tetherID, since).Scan(&best); err != nil {
		return stats, s.fail("best_emergency_response", err)
	}
	stats.BestEmergencyResponse = seconds(best)
	return stats, nil
}

func (s *Store) SaveEmergencyCase(ctx context.Context, c *models.EmergencyCase) error {
	if _, err := s.db.ExecContext(ctx, insertCaseQuery, caseArgs(c)...); err != nil {
		return s.fail("save_emergency_case", err)
	}
	return nil
}

// UpdateEmergencyCase upserts: case writes are dispatched concurrently and an
// update may land before the initial insert.
func (s *Store) UpdateEmergencyCase(ctx context.Context, c *models.EmergencyCase) error {
	if _, err := s.db.ExecContext(ctx, upsertCaseQuery, caseArgs(c)...); err != nil {
		return s.fail("update_emergency_case", err)
	}
	return nil
}

// ResponderContact returns the off-app contact of a responder. Not part of
// store.Store; the paging transport uses it as its directory.
func (s *Store) ResponderContact(ctx context.Context, userID string) (email, phone string, err error) {
	err = s.db.QueryRowContext(ctx, contactQuery, userID).Scan(&email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", apperrors.NewValidationFailedError("no contact for " + userID)
	}
	if err != nil {
		return "", "", s.fail("responder_contact", err)
	}
	return email, phone, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryTethers(ctx context.Context, op, query string, args ...interface{}) ([]*models.Tether, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rows.Close()

	var out []*models.Tether
	for rows.Next() {
		t, err := scanTether(rows)
		if err != nil {
			return nil, s.fail(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

func (s *Store) fail(op string, err error) error {
	s.log.Error("Database operation failed", map[string]interface{}{
		"operation": op,
		"error":     err,
	})
	return apperrors.NewDatabaseQueryFailedError(op, err)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTether(row scanner) (*models.Tether, error) {
	var (
		t          models.Tether
		intervalMs int64
		lastPulse  sql.NullTime
		status     string
	)
	err := row.Scan(
		&t.ID, &t.SeekerID, &t.SupporterID, &t.Strength, &t.Trust, &t.MatchingScore,
		pq.Array(&t.SharedSpecialties), pq.Array(&t.SharedLanguages), &intervalMs, &t.EmergencyActive,
		&t.LastActivityAt, &lastPulse, &t.MissedPulses, &status, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.PulseInterval = time.Duration(intervalMs) * time.Millisecond
	t.Status = models.TetherStatus(status)
	if lastPulse.Valid {
		t.LastPulseAt = lastPulse.Time
	}
	return &t, nil
}

func caseArgs(c *models.EmergencyCase) []interface{} {
	var lat, lng, acc sql.NullFloat64
	if c.Location != nil {
		lat = sql.NullFloat64{Float64: c.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: c.Location.Longitude, Valid: true}
		acc = sql.NullFloat64{Float64: c.Location.Accuracy, Valid: true}
	}
	return []interface{}{
		c.ID, c.TetherID, c.TriggeredBy, c.Urgency.String(), string(c.Category), c.Message,
		lat, lng, acc, pq.Array(nonNil(c.Responders)), string(c.Status), c.CreatedAt,
		nullTimePtr(c.AcknowledgedAt), nullTimePtr(c.RespondedAt), nullTimePtr(c.ResolvedAt),
		nullTimePtr(c.EscalatedAt), c.FollowUpRequired, string(c.Outcome), c.ActionTaken,
	}
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewDatabaseQueryFailedError("rows_affected", err)
	}
	if n == 0 {
		return apperrors.NewConnectionNotFoundError(id)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
