package connection

import (
	"time"

	"peer-tether/internal/common/config"
)

type Config struct {
	MaxPerUser           int
	DefaultPulseInterval time.Duration
	MissedPulseSweep     time.Duration
	StrengthRecompute    time.Duration
	StrengthBatchSize    int
	StrengthWindow       time.Duration
	HealthLogInterval    time.Duration
	RetentionWindow      time.Duration
	// ActivationBudget is the end-to-end emergency activation target. Slower
	// activations are logged.
	ActivationBudget time.Duration
	StoreTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPerUser:           5,
		DefaultPulseInterval: 30 * time.Second,
		MissedPulseSweep:     time.Minute,
		StrengthRecompute:    5 * time.Minute,
		StrengthBatchSize:    10,
		StrengthWindow:       30 * 24 * time.Hour,
		HealthLogInterval:    time.Minute,
		RetentionWindow:      30 * 24 * time.Hour,
		ActivationBudget:     50 * time.Millisecond,
		StoreTimeout:         5 * time.Second,
	}
}

// ConfigFrom maps the connection section. The default pulse interval follows
// the heartbeat section so monitoring and bookkeeping agree.
func ConfigFrom(cfg config.ConnectionConfig, hb config.HeartbeatConfig) Config {
	out := DefaultConfig()
	if cfg.MaxPerUser > 0 {
		out.MaxPerUser = cfg.MaxPerUser
	}
	if hb.DefaultInterval > 0 {
		out.DefaultPulseInterval = config.GetDuration(hb.DefaultInterval)
	}
	if cfg.MissedPulseSweep > 0 {
		out.MissedPulseSweep = config.GetDuration(cfg.MissedPulseSweep)
	}
	if cfg.StrengthRecompute > 0 {
		out.StrengthRecompute = config.GetDuration(cfg.StrengthRecompute)
	}
	if cfg.StrengthBatchSize > 0 {
		out.StrengthBatchSize = cfg.StrengthBatchSize
	}
	if cfg.HealthLogInterval > 0 {
		out.HealthLogInterval = config.GetDuration(cfg.HealthLogInterval)
	}
	if cfg.RetentionWindowHours > 0 {
		out.RetentionWindow = time.Duration(cfg.RetentionWindowHours) * time.Hour
	}
	return out
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = def.MaxPerUser
	}
	if c.DefaultPulseInterval <= 0 {
		c.DefaultPulseInterval = def.DefaultPulseInterval
	}
	if c.MissedPulseSweep <= 0 {
		c.MissedPulseSweep = def.MissedPulseSweep
	}
	if c.StrengthRecompute <= 0 {
		c.StrengthRecompute = def.StrengthRecompute
	}
	if c.StrengthBatchSize <= 0 {
		c.StrengthBatchSize = def.StrengthBatchSize
	}
	if c.StrengthWindow <= 0 {
		c.StrengthWindow = def.StrengthWindow
	}
	if c.HealthLogInterval <= 0 {
		c.HealthLogInterval = def.HealthLogInterval
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = def.RetentionWindow
	}
	if c.ActivationBudget <= 0 {
		c.ActivationBudget = def.ActivationBudget
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
}
