// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"peer-tether/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient wraps the SQL database connection
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres opens a pooled connection. It does not dial; call Ping.
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// schema is idempotent. Tethers are never deleted, so pulses and cases keep
// a plain foreign key.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tethers (
		id                 TEXT PRIMARY KEY,
		seeker_id          TEXT NOT NULL,
		supporter_id       TEXT NOT NULL,
		strength           DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		trust              DOUBLE PRECISION NOT NULL DEFAULT 0,
		matching_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
		shared_specialties TEXT[] NOT NULL DEFAULT '{}',
		shared_languages   TEXT[] NOT NULL DEFAULT '{}',
		pulse_interval_ms  BIGINT NOT NULL,
		emergency_active   BOOLEAN NOT NULL DEFAULT FALSE,
		last_activity_at   TIMESTAMPTZ NOT NULL,
		last_pulse_at      TIMESTAMPTZ,
		missed_pulses      INTEGER NOT NULL DEFAULT 0,
		status             TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tethers_seeker_idx ON tethers (seeker_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS tethers_supporter_idx ON tethers (supporter_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS pulses (
		id              TEXT PRIMARY KEY,
		tether_id       TEXT NOT NULL REFERENCES tethers (id),
		sender_id       TEXT NOT NULL,
		type            TEXT NOT NULL,
		strength        DOUBLE PRECISION NOT NULL DEFAULT 0,
		mood            INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT '',
		message         TEXT NOT NULL DEFAULT '',
		is_emergency    BOOLEAN NOT NULL DEFAULT FALSE,
		urgency         TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS pulses_tether_created_idx ON pulses (tether_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS emergency_cases (
		id                 TEXT PRIMARY KEY,
		tether_id          TEXT NOT NULL,
		triggered_by       TEXT NOT NULL,
		urgency            TEXT NOT NULL,
		category           TEXT NOT NULL,
		message            TEXT NOT NULL DEFAULT '',
		latitude           DOUBLE PRECISION,
		longitude          DOUBLE PRECISION,
		location_accuracy  DOUBLE PRECISION,
		responders         TEXT[] NOT NULL DEFAULT '{}',
		status             TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		acknowledged_at    TIMESTAMPTZ,
		responded_at       TIMESTAMPTZ,
		resolved_at        TIMESTAMPTZ,
		escalated_at       TIMESTAMPTZ,
		follow_up_required BOOLEAN NOT NULL DEFAULT FALSE,
		outcome            TEXT NOT NULL DEFAULT '',
		action_taken       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS emergency_cases_tether_idx ON emergency_cases (tether_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS responder_contacts (
		user_id TEXT PRIMARY KEY,
		email   TEXT NOT NULL DEFAULT '',
		phone   TEXT NOT NULL DEFAULT ''
	)`,
}

// EnsureSchema creates the tables the tether store needs.
func (c *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
