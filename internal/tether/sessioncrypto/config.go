package sessioncrypto

import (
	"time"

	"peer-tether/internal/common/config"
)

// KDFParams are the Argon2id parameters applied per session.
type KDFParams struct {
	Iterations uint32
	MemoryKiB  uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength int
}

type Config struct {
	Lifetime      time.Duration
	MaxLifetime   time.Duration
	RotationLead  time.Duration
	SweepInterval time.Duration
	TokenLifetime time.Duration
	KDF           KDFParams
	AuditCapacity int
	EncryptBudget time.Duration
	CreateBudget  time.Duration
}

// DefaultConfig returns production parameters: 4 passes over 64 MiB, 256-bit
// output and salt, 24h sessions rotated an hour before expiry.
func DefaultConfig() Config {
	return Config{
		Lifetime:      24 * time.Hour,
		MaxLifetime:   7 * 24 * time.Hour,
		RotationLead:  time.Hour,
		SweepInterval: 15 * time.Minute,
		TokenLifetime: 24 * time.Hour,
		KDF: KDFParams{
			Iterations: 4,
			MemoryKiB:  64 * 1024,
			Threads:    4,
			KeyLength:  32,
			SaltLength: 32,
		},
		AuditCapacity: 1000,
		EncryptBudget: 10 * time.Millisecond,
		CreateBudget:  2 * time.Second,
	}
}

// ConfigFrom maps the application config section onto engine settings.
func ConfigFrom(cfg config.SessionConfig) Config {
	out := DefaultConfig()
	out.Lifetime = config.GetDuration(cfg.Lifetime)
	out.RotationLead = config.GetDuration(cfg.RotationLead)
	out.SweepInterval = config.GetDuration(cfg.SweepInterval)
	out.TokenLifetime = config.GetDuration(cfg.TokenLifetime)
	out.KDF.Iterations = uint32(cfg.KDFIterations)
	out.KDF.MemoryKiB = uint32(cfg.KDFMemoryKiB)
	out.KDF.Threads = uint8(cfg.KDFThreads)
	out.AuditCapacity = cfg.AuditCapacity
	out.EncryptBudget = config.GetDuration(cfg.EncryptBudgetMs)
	out.CreateBudget = config.GetDuration(cfg.CreateBudgetMs)
	if out.MaxLifetime < out.Lifetime {
		out.MaxLifetime = out.Lifetime
	}
	return out
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Lifetime <= 0 {
		c.Lifetime = def.Lifetime
	}
	if c.MaxLifetime < c.Lifetime {
		c.MaxLifetime = c.Lifetime
	}
	if c.RotationLead <= 0 || c.RotationLead >= c.Lifetime {
		c.RotationLead = c.Lifetime / 24
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.TokenLifetime <= 0 || c.TokenLifetime > c.Lifetime {
		c.TokenLifetime = c.Lifetime
	}
	if c.KDF.Iterations == 0 {
		c.KDF.Iterations = def.KDF.Iterations
	}
	if c.KDF.MemoryKiB == 0 {
		c.KDF.MemoryKiB = def.KDF.MemoryKiB
	}
	if c.KDF.Threads == 0 {
		c.KDF.Threads = def.KDF.Threads
	}
	if c.KDF.KeyLength == 0 {
		c.KDF.KeyLength = def.KDF.KeyLength
	}
	if c.KDF.SaltLength == 0 {
		c.KDF.SaltLength = def.KDF.SaltLength
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = def.AuditCapacity
	}
	if c.EncryptBudget <= 0 {
		c.EncryptBudget = def.EncryptBudget
	}
	if c.CreateBudget <= 0 {
		c.CreateBudget = def.CreateBudget
	}
}
