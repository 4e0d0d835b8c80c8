// internal/common/config/loader.go
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// Enable ENV override like DATABASE_POSTGRES_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // ignore error if not found

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// Direct override if secrets are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
	if cfg.Crisis.APIKey == "" {
		if val := os.Getenv("CRISIS_API_KEY"); val != "" {
			cfg.Crisis.APIKey = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "peer-tether"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Redis.Channel == "" {
		cfg.Database.Redis.Channel = "tether"
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "emergency-cases"
	}

	if cfg.Camunda.ProcessID == "" {
		cfg.Camunda.ProcessID = "crisis-escalation"
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 5000
	}

	if cfg.Crisis.Timeout == 0 {
		cfg.Crisis.Timeout = 5000
	}
	if cfg.Crisis.MinUrgency == "" {
		cfg.Crisis.MinUrgency = "CRITICAL"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Session defaults: 24h lifetime, rotate 1h before expiry, sweep every 15 minutes
	if cfg.Session.Lifetime == 0 {
		cfg.Session.Lifetime = int((24 * time.Hour).Milliseconds())
	}
	if cfg.Session.RotationLead == 0 {
		cfg.Session.RotationLead = int(time.Hour.Milliseconds())
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = int((15 * time.Minute).Milliseconds())
	}
	if cfg.Session.TokenLifetime == 0 {
		cfg.Session.TokenLifetime = cfg.Session.Lifetime
	}
	if cfg.Session.KDFIterations == 0 {
		cfg.Session.KDFIterations = 4
	}
	if cfg.Session.KDFMemoryKiB == 0 {
		cfg.Session.KDFMemoryKiB = 64 * 1024
	}
	if cfg.Session.KDFThreads == 0 {
		cfg.Session.KDFThreads = 4
	}
	if cfg.Session.AuditCapacity == 0 {
		cfg.Session.AuditCapacity = 1000
	}
	if cfg.Session.EncryptBudgetMs == 0 {
		cfg.Session.EncryptBudgetMs = 10
	}
	if cfg.Session.CreateBudgetMs == 0 {
		cfg.Session.CreateBudgetMs = 2000
	}

	if cfg.Matching.MinScore == 0 {
		cfg.Matching.MinScore = 0.7
	}

	if cfg.Heartbeat.DefaultInterval == 0 {
		cfg.Heartbeat.DefaultInterval = 30000
	}
	if cfg.Heartbeat.CheckInterval == 0 {
		cfg.Heartbeat.CheckInterval = 10000
	}
	if cfg.Heartbeat.WindowSize == 0 {
		cfg.Heartbeat.WindowSize = 50
	}

	if cfg.Emergency.CriticalTimeout == 0 {
		cfg.Emergency.CriticalTimeout = 30000
	}
	if cfg.Emergency.HighTimeout == 0 {
		cfg.Emergency.HighTimeout = 120000
	}
	if cfg.Emergency.StaleAfter == 0 {
		cfg.Emergency.StaleAfter = int((10 * time.Minute).Milliseconds())
	}
	if cfg.Emergency.SweepInterval == 0 {
		cfg.Emergency.SweepInterval = 60000
	}
	if cfg.Emergency.ResolvedGrace == 0 {
		cfg.Emergency.ResolvedGrace = int(time.Hour.Milliseconds())
	}
	if cfg.Emergency.NotifyTimeout == 0 {
		cfg.Emergency.NotifyTimeout = 5000
	}

	if cfg.Connection.MaxPerUser == 0 {
		cfg.Connection.MaxPerUser = 5
	}
	if cfg.Connection.MissedPulseSweep == 0 {
		cfg.Connection.MissedPulseSweep = 60000
	}
	if cfg.Connection.StrengthRecompute == 0 {
		cfg.Connection.StrengthRecompute = int((5 * time.Minute).Milliseconds())
	}
	if cfg.Connection.StrengthBatchSize == 0 {
		cfg.Connection.StrengthBatchSize = 10
	}
	if cfg.Connection.HealthLogInterval == 0 {
		cfg.Connection.HealthLogInterval = 60000
	}
	if cfg.Connection.RetentionWindowHours == 0 {
		cfg.Connection.RetentionWindowHours = 30 * 24
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	if cfg.Database.Elasticsearch.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when enabled")
	}

	if cfg.Camunda.Enabled && cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required when enabled")
	}

	if cfg.Session.RotationLead >= cfg.Session.Lifetime {
		return fmt.Errorf("session.rotation_lead must be shorter than session.lifetime")
	}
	if cfg.Session.TokenLifetime > cfg.Session.Lifetime {
		return fmt.Errorf("session.token_lifetime must not exceed session.lifetime")
	}
	if cfg.Session.KDFThreads < 0 || cfg.Session.KDFThreads > math.MaxUint8 {
		return fmt.Errorf("session.kdf_threads must be within [0,%d]", math.MaxUint8)
	}
	if cfg.Session.KDFIterations < 0 || cfg.Session.KDFMemoryKiB < 0 {
		return fmt.Errorf("session.kdf_iterations and session.kdf_memory_kib must not be negative")
	}

	if cfg.Matching.MinScore < 0 || cfg.Matching.MinScore > 1 {
		return fmt.Errorf("matching.min_score must be within [0,1]")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
