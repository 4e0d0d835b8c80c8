package emergency

import (
	"time"

	"peer-tether/internal/common/config"
	"peer-tether/internal/models"
)

type Config struct {
	CriticalTimeout time.Duration
	HighTimeout     time.Duration
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	ResolvedGrace   time.Duration
	NotifyTimeout   time.Duration
	// CrisisThreshold is the lowest urgency handed to the crisis service on
	// activation.
	CrisisThreshold models.Urgency
}

func DefaultConfig() Config {
	return Config{
		CriticalTimeout: 30 * time.Second,
		HighTimeout:     120 * time.Second,
		StaleAfter:      10 * time.Minute,
		SweepInterval:   time.Minute,
		ResolvedGrace:   time.Hour,
		NotifyTimeout:   5 * time.Second,
		CrisisThreshold: models.UrgencyCritical,
	}
}

// ConfigFrom maps the emergency section and the crisis threshold name. An
// unknown threshold keeps the CRITICAL default.
func ConfigFrom(cfg config.EmergencyConfig, crisisMinUrgency string) Config {
	out := DefaultConfig()
	set := func(ms int, dst *time.Duration) {
		if ms > 0 {
			*dst = config.GetDuration(ms)
		}
	}
	set(cfg.CriticalTimeout, &out.CriticalTimeout)
	set(cfg.HighTimeout, &out.HighTimeout)
	set(cfg.StaleAfter, &out.StaleAfter)
	set(cfg.SweepInterval, &out.SweepInterval)
	set(cfg.ResolvedGrace, &out.ResolvedGrace)
	set(cfg.NotifyTimeout, &out.NotifyTimeout)
	if u, err := models.ParseUrgency(crisisMinUrgency); err == nil && u != models.UrgencyNone {
		out.CrisisThreshold = u
	}
	return out
}

// timeoutFor returns the auto-escalation delay, or zero when the urgency is
// not subject to one.
func (c Config) timeoutFor(u models.Urgency) time.Duration {
	switch u {
	case models.UrgencyCritical:
		return c.CriticalTimeout
	case models.UrgencyHigh:
		return c.HighTimeout
	default:
		return 0
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.CriticalTimeout <= 0 {
		c.CriticalTimeout = def.CriticalTimeout
	}
	if c.HighTimeout <= 0 {
		c.HighTimeout = def.HighTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ResolvedGrace <= 0 {
		c.ResolvedGrace = def.ResolvedGrace
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = def.NotifyTimeout
	}
	if c.CrisisThreshold == models.UrgencyNone {
		c.CrisisThreshold = def.CrisisThreshold
	}
}
