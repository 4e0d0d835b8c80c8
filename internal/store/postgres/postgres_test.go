package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

var tetherRowColumns = []string{
	"id", "seeker_id", "supporter_id", "strength", "trust", "matching_score",
	"shared_specialties", "shared_languages", "pulse_interval_ms", "emergency_active",
	"last_activity_at", "last_pulse_at", "missed_pulses", "status", "created_at",
}

func createTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logger.NewTestLogger(t)), mock
}

func addTetherRow(rows *sqlmock.Rows, id string, lastPulse interface{}) *sqlmock.Rows {
	return rows.AddRow(id, "seeker", "supporter", 0.5, 0.0, 0.82,
		"{grief}", "{en,es}", int64(30000), false,
		base, lastPulse, 0, "active", base)
}

// ==========================
// Tether Tests
// ==========================

func TestStore_CreateTether(t *testing.T) {
	s, mock := createTestStore(t)

	tether := &models.Tether{
		ID:              "t1",
		SeekerID:        "seeker",
		SupporterID:     "supporter",
		Strength:        0.5,
		MatchingScore:   0.82,
		SharedLanguages: []string{"en"},
		PulseInterval:   30 * time.Second,
		LastActivityAt:  base,
		Status:          models.TetherStatusActive,
		CreatedAt:       base,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tethers")).
		WithArgs("t1", "seeker", "supporter", 0.5, 0.0, 0.82,
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(30000), false,
			base, nil, 0, "active", base).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateTether(context.Background(), tether))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetTether(t *testing.T) {
	s, mock := createTestStore(t)

	rows := addTetherRow(sqlmock.NewRows(tetherRowColumns), "t1", base.Add(time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM tethers WHERE id = $1")).
		WithArgs("t1").
		WillReturnRows(rows)

	got, err := s.GetTether(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, []string{"grief"}, got.SharedSpecialties)
	assert.Equal(t, []string{"en", "es"}, got.SharedLanguages)
	assert.Equal(t, 30*time.Second, got.PulseInterval)
	assert.Equal(t, base.Add(time.Minute), got.LastPulseAt)
	assert.Equal(t, models.TetherStatusActive, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetTether_NotFound(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tethers WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetTether(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperrors.ErrConnectionNotFound))
}

func TestStore_GetTether_DatabaseError(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tethers WHERE id = $1")).
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetTether(context.Background(), "t1")
	require.Error(t, err)

	var stdErr *apperrors.StandardError
	require.True(t, errors.As(err, &stdErr))
	assert.Equal(t, apperrors.ErrCodeDatabaseQueryFailed, stdErr.Code)
}

func TestStore_UpdateTether_NoRows(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tethers SET strength")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateTether(context.Background(), &models.Tether{ID: "gone"})
	assert.True(t, errors.Is(err, apperrors.ErrConnectionNotFound))
}

func TestStore_UpdateTether_LeavesEmergencyFlag(t *testing.T) {
	s, mock := createTestStore(t)
	pulse := base.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta(updateTetherQuery)).
		WithArgs("t1", 0.4, 0.48, int64(30000), pulse, pulse, 2, "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateTether(context.Background(), &models.Tether{
		ID:              "t1",
		Strength:        0.4,
		Trust:           0.48,
		PulseInterval:   30 * time.Second,
		EmergencyActive: true,
		LastActivityAt:  pulse,
		LastPulseAt:     pulse,
		MissedPulses:    2,
		Status:          models.TetherStatusActive,
	})
	require.NoError(t, err)
	assert.NotContains(t, updateTetherQuery, "emergency_active")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateScores(t *testing.T) {
	pulse := base.Add(time.Minute)

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"pulse unchanged", 1, true},
		{"pulse landed since read", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := createTestStore(t)
			mock.ExpectExec(regexp.QuoteMeta("last_pulse_at IS NOT DISTINCT FROM $4")).
				WithArgs("t1", 0.3, 0.36, pulse).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			applied, err := s.UpdateScores(context.Background(), "t1", 0.3, 0.36, pulse)
			require.NoError(t, err)
			assert.Equal(t, tt.want, applied)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_SetMissedPulses(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tethers SET missed_pulses = $2")).
		WithArgs("t1", 3, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tethers SET missed_pulses = $2")).
		WillReturnError(errors.New("connection reset"))

	applied, err := s.SetMissedPulses(context.Background(), "t1", 3, time.Time{})
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = s.SetMissedPulses(context.Background(), "t1", 4, time.Time{})
	var stdErr *apperrors.StandardError
	require.True(t, errors.As(err, &stdErr))
	assert.Equal(t, apperrors.ErrCodeDatabaseQueryFailed, stdErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetEmergencyActive(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tethers SET emergency_active = $2 WHERE id = $1")).
		WithArgs("t1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetEmergencyActive(context.Background(), "t1", true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListUserTethers(t *testing.T) {
	s, mock := createTestStore(t)

	rows := sqlmock.NewRows(tetherRowColumns)
	addTetherRow(rows, "t1", nil)
	addTetherRow(rows, "t2", nil)
	mock.ExpectQuery(regexp.QuoteMeta("(seeker_id = $1 OR supporter_id = $1) ORDER BY created_at")).
		WithArgs("seeker").
		WillReturnRows(rows)

	list, err := s.ListUserTethers(context.Background(), "seeker")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].LastPulseAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListActiveTethers_DefaultLimit(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id LIMIT $1 OFFSET $2")).
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows(tetherRowColumns))

	list, err := s.ListActiveTethers(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountActiveConnections(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM tethers")).
		WithArgs("seeker").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountActiveConnections(context.Background(), "seeker")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestStore_DeactivateIdle(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tethers SET status = 'inactive'")).
		WithArgs(base).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeactivateIdle(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// ==========================
// Pulse Tests
// ==========================

func TestStore_SavePulse(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pulses")).
		WithArgs("p1", "t1", "seeker", "emergency", 0.0, 2, "crisis",
			"help", true, "CRITICAL", base, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SavePulse(context.Background(), &models.Pulse{
		ID:          "p1",
		TetherID:    "t1",
		SenderID:    "seeker",
		Type:        models.PulseEmergency,
		Mood:        2,
		Status:      models.PulseStatusCrisis,
		Message:     "help",
		IsEmergency: true,
		Urgency:     models.UrgencyCritical,
		CreatedAt:   base,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var pulseRowColumns = []string{
	"id", "tether_id", "sender_id", "type", "strength", "mood", "status",
	"message", "is_emergency", "urgency", "created_at", "acknowledged_at",
}

func TestStore_GetPulse(t *testing.T) {
	s, mock := createTestStore(t)
	acked := base.Add(90 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pulses WHERE id = $1 AND tether_id = $2")).
		WithArgs("p1", "t1").
		WillReturnRows(sqlmock.NewRows(pulseRowColumns).
			AddRow("p1", "t1", "seeker", "message", 0.4, 7, "ok", "thanks", false, "", base, acked))

	p, err := s.GetPulse(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PulseMessage, p.Type)
	assert.Equal(t, models.PulseStatusOK, p.Status)
	assert.Equal(t, models.UrgencyNone, p.Urgency)
	require.NotNil(t, p.AcknowledgedAt)
	assert.Equal(t, acked, *p.AcknowledgedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetPulse_NotFound(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pulses WHERE id = $1 AND tether_id = $2")).
		WithArgs("p1", "other").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetPulse(context.Background(), "other", "p1")
	assert.True(t, errors.Is(err, apperrors.ErrPulseNotFound))
}

func TestStore_AcknowledgePulse(t *testing.T) {
	s, mock := createTestStore(t)
	at := base.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("AND acknowledged_at IS NULL")).
		WithArgs("p1", "t1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("AND acknowledged_at IS NULL")).
		WithArgs("p1", "t1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := s.AcknowledgePulse(context.Background(), "t1", "p1", at)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.AcknowledgePulse(context.Background(), "t1", "p1", at)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PulseStats(t *testing.T) {
	s, mock := createTestStore(t)
	since := base.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pulses WHERE tether_id = $1 AND created_at >= $2")).
		WithArgs("t1", since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "messages", "positive", "acked", "avg_ack"}).
			AddRow(12, 8, 6, 4, 90.5))
	mock.ExpectQuery(regexp.QuoteMeta("FROM emergency_cases WHERE tether_id = $1")).
		WithArgs("t1", since).
		WillReturnRows(sqlmock.NewRows([]string{"best"}).AddRow(45.0))

	stats, err := s.PulseStats(context.Background(), "t1", since)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.TotalCount)
	assert.Equal(t, 8, stats.MessageCount)
	assert.Equal(t, 6, stats.PositiveCount)
	assert.Equal(t, 4, stats.AcknowledgedCount)
	assert.Equal(t, 90500*time.Millisecond, stats.AverageAckLatency)
	assert.Equal(t, 45*time.Second, stats.BestEmergencyResponse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Emergency Case Tests
// ==========================

func TestStore_EmergencyCaseWrites(t *testing.T) {
	s, mock := createTestStore(t)
	ack := base.Add(20 * time.Second)

	c := &models.EmergencyCase{
		ID:             "c1",
		TetherID:       "t1",
		TriggeredBy:    "seeker",
		Urgency:        models.UrgencyHigh,
		Category:       models.CategoryPanic,
		Location:       &models.Location{Latitude: 51.5, Longitude: -0.12, Accuracy: 10},
		Responders:     []string{"supporter"},
		Status:         models.CaseAcknowledged,
		CreatedAt:      base,
		AcknowledgedAt: &ack,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE emergency_cases.status NOT IN ('RESOLVED', 'ESCALATED')")).
		WithArgs("c1", "t1", "seeker", "HIGH", "panic", "",
			51.5, -0.12, 10.0, sqlmock.AnyArg(), "ACKNOWLEDGED", base,
			ack, nil, nil, nil, false, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveEmergencyCase(context.Background(), c))
	require.NoError(t, s.UpdateEmergencyCase(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EmergencyCaseUpdateIsRankGuarded(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("WHEN 'RESPONDING' THEN 2")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// A late ACKNOWLEDGED write against a RESPONDING row matches nothing.
	err := s.UpdateEmergencyCase(context.Background(), &models.EmergencyCase{
		ID:      "c1",
		Urgency: models.UrgencyHigh,
		Status:  models.CaseAcknowledged,
	})
	require.NoError(t, err)
	assert.Contains(t, upsertCaseQuery, "<= CASE EXCLUDED.status")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EmergencyCaseWriteFails(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO emergency_cases")).
		WillReturnError(errors.New("disk full"))

	err := s.SaveEmergencyCase(context.Background(), &models.EmergencyCase{ID: "c1", Urgency: models.UrgencyLow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save_emergency_case")
}

// ==========================
// Contact Tests
// ==========================

func TestStore_ResponderContact(t *testing.T) {
	s, mock := createTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT email, phone FROM responder_contacts WHERE user_id = $1")).
		WithArgs("supporter-1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "phone"}).AddRow("one@example.com", "+15550001"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM responder_contacts")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	email, phone, err := s.ResponderContact(context.Background(), "supporter-1")
	require.NoError(t, err)
	assert.Equal(t, "one@example.com", email)
	assert.Equal(t, "+15550001", phone)

	_, _, err = s.ResponderContact(context.Background(), "ghost")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
