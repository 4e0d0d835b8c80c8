package heartbeat

import (
	"time"

	"peer-tether/internal/common/config"
)

type Config struct {
	DefaultInterval   time.Duration
	CheckInterval     time.Duration
	WindowSize        int
	IssueThreshold    int
	CriticalThreshold int
	PoorLatency       time.Duration
	GoodLatency       time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultInterval:   30 * time.Second,
		CheckInterval:     10 * time.Second,
		WindowSize:        50,
		IssueThreshold:    3,
		CriticalThreshold: 5,
		PoorLatency:       2000 * time.Millisecond,
		GoodLatency:       500 * time.Millisecond,
	}
}

func ConfigFrom(cfg config.HeartbeatConfig) Config {
	out := DefaultConfig()
	if cfg.DefaultInterval > 0 {
		out.DefaultInterval = config.GetDuration(cfg.DefaultInterval)
	}
	if cfg.CheckInterval > 0 {
		out.CheckInterval = config.GetDuration(cfg.CheckInterval)
	}
	if cfg.WindowSize > 0 {
		out.WindowSize = cfg.WindowSize
	}
	return out
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = def.DefaultInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.IssueThreshold <= 0 {
		c.IssueThreshold = def.IssueThreshold
	}
	if c.CriticalThreshold < c.IssueThreshold {
		c.CriticalThreshold = def.CriticalThreshold
	}
	if c.PoorLatency <= 0 {
		c.PoorLatency = def.PoorLatency
	}
	if c.GoodLatency <= 0 || c.GoodLatency > c.PoorLatency {
		c.GoodLatency = def.GoodLatency
	}
}
