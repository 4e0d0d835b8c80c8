// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App          AppConfig         `mapstructure:"app"`
	Server       ServerConfig      `mapstructure:"server"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Camunda      CamundaConfig     `mapstructure:"camunda"`
	Integrations IntegrationConfig `mapstructure:"integrations"`
	Crisis       CrisisConfig      `mapstructure:"crisis"`
	Logging      LoggingConfig     `mapstructure:"logging"`
	Session      SessionConfig     `mapstructure:"session"`
	Matching     MatchingConfig    `mapstructure:"matching"`
	Heartbeat    HeartbeatConfig   `mapstructure:"heartbeat"`
	Emergency    EmergencyConfig   `mapstructure:"emergency"`
	Connection   ConnectionConfig  `mapstructure:"connection"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout int    `mapstructure:"write_timeout"` // milliseconds
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	ProcessID      string `mapstructure:"process_id"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// IntegrationConfig holds settings for responder paging.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled  bool   `mapstructure:"enabled"`
			TopicARN string `mapstructure:"topic_arn"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

// CrisisConfig holds settings for the external crisis service webhook.
type CrisisConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	APIKey     string `mapstructure:"api_key"`
	Timeout    int    `mapstructure:"timeout"` // milliseconds
	// MinUrgency is the lowest urgency forwarded to the crisis service.
	MinUrgency string `mapstructure:"min_urgency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig holds the session encryption engine settings.
type SessionConfig struct {
	Lifetime        int `mapstructure:"lifetime"`       // milliseconds
	RotationLead    int `mapstructure:"rotation_lead"`  // milliseconds
	SweepInterval   int `mapstructure:"sweep_interval"` // milliseconds
	TokenLifetime   int `mapstructure:"token_lifetime"` // milliseconds
	KDFIterations   int `mapstructure:"kdf_iterations"`
	KDFMemoryKiB    int `mapstructure:"kdf_memory_kib"`
	KDFThreads      int `mapstructure:"kdf_threads"`
	AuditCapacity   int `mapstructure:"audit_capacity"`
	EncryptBudgetMs int `mapstructure:"encrypt_budget_ms"`
	CreateBudgetMs  int `mapstructure:"create_budget_ms"`
}

// MatchingConfig holds compatibility weights and the acceptance threshold.
type MatchingConfig struct {
	MinScore float64            `mapstructure:"min_score"`
	Weights  map[string]float64 `mapstructure:"weights"`
}

type HeartbeatConfig struct {
	DefaultInterval int `mapstructure:"default_interval"` // milliseconds
	CheckInterval   int `mapstructure:"check_interval"`   // milliseconds
	WindowSize      int `mapstructure:"window_size"`
}

type EmergencyConfig struct {
	CriticalTimeout int `mapstructure:"critical_timeout"` // milliseconds
	HighTimeout     int `mapstructure:"high_timeout"`     // milliseconds
	StaleAfter      int `mapstructure:"stale_after"`      // milliseconds
	SweepInterval   int `mapstructure:"sweep_interval"`   // milliseconds
	ResolvedGrace   int `mapstructure:"resolved_grace"`   // milliseconds
	NotifyTimeout   int `mapstructure:"notify_timeout"`   // milliseconds
}

type ConnectionConfig struct {
	MaxPerUser           int `mapstructure:"max_per_user"`
	MissedPulseSweep     int `mapstructure:"missed_pulse_sweep"` // milliseconds
	StrengthRecompute    int `mapstructure:"strength_recompute"` // milliseconds
	StrengthBatchSize    int `mapstructure:"strength_batch_size"`
	HealthLogInterval    int `mapstructure:"health_log_interval"` // milliseconds
	RetentionWindowHours int `mapstructure:"retention_window_hours"`
}
