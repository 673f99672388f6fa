// Package config loads and validates warden's own configuration: the
// pattern bindings the controller enforces, the routes exempt from it, and
// the settings for the integrity guard and the lock backends.
package config

import (
	"time"

	"github.com/wardenhq/warden/internal/dispatchctl"
)

// Config is the root configuration document.
type Config struct {
	Service  ServiceConfig                 `yaml:"service"`
	Bindings []*dispatchctl.PatternBinding `yaml:"bindings"`
	Exempt   []dispatchctl.ExemptRoute     `yaml:"exempt_routes"`
	Guard    GuardConfig                   `yaml:"guard"`
	Locks    LockConfig                    `yaml:"locks"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	LogLevel string `yaml:"log_level"`

	// Listen is the gate's HTTP bind address.
	Listen string `yaml:"listen"`

	// SnapshotDB is the SQLite path for trusted memory snapshots.
	SnapshotDB string `yaml:"snapshot_db"`
}

// GuardConfig configures the config integrity guard.
type GuardConfig struct {
	// FailClosed quarantines protected configs that have no expected hash
	// and no trust-on-first-load allowance.
	FailClosed bool `yaml:"fail_closed"`

	// AuditBuffer is the audit hub ring size.
	AuditBuffer int `yaml:"audit_buffer"`
}

// LockConfig configures the execution-lock and lease backends.
type LockConfig struct {
	// PostgresDSN is the advisory-lock pool target. Empty disables the
	// distributed execution-lock tier.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr is the lease backend. Empty disables leases.
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	LeaseHeartbeat time.Duration `yaml:"lease_heartbeat"`
}

// Default returns the configuration defaults applied before unmarshalling.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:   "INFO",
			Listen:     "127.0.0.1:8787",
			SnapshotDB: "warden.db",
		},
		Guard:   GuardConfig{FailClosed: true, AuditBuffer: 256},
		Locks: LockConfig{
			LeaseTTL:       30 * time.Second,
			LeaseHeartbeat: 10 * time.Second,
		},
	}
}
