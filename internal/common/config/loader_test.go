package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

const minimalConfig = `
database:
  postgres:
    host: localhost
    database: tether
    user: tether
  redis:
    address: localhost:6379
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// ==========================
// Loader Tests
// ==========================

func TestLoadFromFile_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "peer-tether", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
	assert.Equal(t, "tether", cfg.Database.Redis.Channel)
	assert.Equal(t, "crisis-escalation", cfg.Camunda.ProcessID)
	assert.Equal(t, "CRITICAL", cfg.Crisis.MinUrgency)
	assert.Equal(t, cfg.Session.Lifetime, cfg.Session.TokenLifetime)
	assert.Equal(t, 24*time.Hour, GetDuration(cfg.Session.Lifetime))
	assert.Equal(t, 0.7, cfg.Matching.MinScore)
	assert.Equal(t, 30*time.Second, GetDuration(cfg.Heartbeat.DefaultInterval))
	assert.Equal(t, 5, cfg.Connection.MaxPerUser)
	assert.Equal(t, 720, cfg.Connection.RetentionWindowHours)
}

func TestLoadFromFile_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TETHER_TEST_PG_PASSWORD", "s3cret")
	t.Setenv("TETHER_TEST_CRISIS_URL", "https://crisis.example.org/hooks")

	cfg, err := LoadFromFile(writeConfig(t, minimalConfig+`
crisis:
  webhook_url: ${TETHER_TEST_CRISIS_URL}
`))
	require.NoError(t, err)
	assert.Equal(t, "https://crisis.example.org/hooks", cfg.Crisis.WebhookURL)

	cfg, err = LoadFromFile(writeConfig(t, `
database:
  postgres:
    host: localhost
    database: tether
    user: tether
    password: ${TETHER_TEST_PG_PASSWORD}
  redis:
    address: localhost:6379
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Postgres.Password)
}

func TestLoadFromFile_SecretFallbacks(t *testing.T) {
	t.Setenv("DB_USER", "svc-tether")
	t.Setenv("REDIS_PASSWORD", "redis-pass")

	cfg, err := LoadFromFile(writeConfig(t, `
database:
  postgres:
    host: localhost
    database: tether
  redis:
    address: localhost:6379
`))
	require.NoError(t, err)
	assert.Equal(t, "svc-tether", cfg.Database.Postgres.User)
	assert.Equal(t, "redis-pass", cfg.Database.Redis.Password)
}

func TestLoadFromFile_Validation(t *testing.T) {
	t.Setenv("DB_USER", "")

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing postgres host",
			body:    "database:\n  postgres:\n    database: tether\n    user: tether\n  redis:\n    address: localhost:6379\n",
			wantErr: "database.postgres.host is required",
		},
		{
			name:    "missing postgres user",
			body:    "database:\n  postgres:\n    host: localhost\n    database: tether\n  redis:\n    address: localhost:6379\n",
			wantErr: "database.postgres.user is required",
		},
		{
			name:    "missing redis",
			body:    "database:\n  postgres:\n    host: localhost\n    database: tether\n    user: tether\n",
			wantErr: "database.redis.address is required",
		},
		{
			name:    "elasticsearch without addresses",
			body:    minimalConfig + "  elasticsearch:\n    enabled: true\n",
			wantErr: "database.elasticsearch.addresses",
		},
		{
			name:    "camunda without broker",
			body:    minimalConfig + "camunda:\n  enabled: true\n",
			wantErr: "camunda.broker_address",
		},
		{
			name:    "rotation lead beyond lifetime",
			body:    minimalConfig + "session:\n  lifetime: 60000\n  rotation_lead: 60000\n",
			wantErr: "session.rotation_lead",
		},
		{
			name:    "token outlives session",
			body:    minimalConfig + "session:\n  lifetime: 60000\n  rotation_lead: 1000\n  token_lifetime: 120000\n",
			wantErr: "session.token_lifetime",
		},
		{
			name:    "kdf threads overflow",
			body:    minimalConfig + "session:\n  kdf_threads: 256\n",
			wantErr: "session.kdf_threads",
		},
		{
			name:    "negative kdf memory",
			body:    minimalConfig + "session:\n  kdf_memory_kib: -1\n",
			wantErr: "session.kdf_memory_kib",
		},
		{
			name:    "min score out of range",
			body:    minimalConfig + "matching:\n  min_score: 1.5\n",
			wantErr: "matching.min_score",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadFromFile_ShippedConfig(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "tether")
	t.Setenv("REDIS_ADDRESS", "cache.internal:6379")

	cfg, err := LoadFromFile(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, "cache.internal:6379", cfg.Database.Redis.Address)
	assert.False(t, cfg.Camunda.Enabled)
	assert.InDelta(t, 0.25, cfg.Matching.Weights["topics"], 1e-9)

	var sum float64
	for _, w := range cfg.Matching.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
