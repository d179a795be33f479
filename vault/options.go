package vault

import (
	"log/slog"
	"time"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/metrics"
)

// Defaults for the idle auto-lock.
const (
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultCheckInterval = 5 * time.Second
)

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

// WithKeyDerivation registers a KeyDerivation, replacing the default for its
// KDF name. This is how Argon2id parameters or PBKDF2 iterations are tuned.
func WithKeyDerivation(kd crypto.KeyDerivation) Option {
	return func(v *Vault) {
		v.kdfs[kd.Name()] = kd
	}
}

// WithMigrator replaces the default LegacyMigrator.
func WithMigrator(m Migrator) Option {
	return func(v *Vault) {
		v.migrator = m
	}
}

// WithSchema sets the field schema upgrades applied after unlock.
// Defaults to FinanceSchema().
func WithSchema(s *Schema) Option {
	return func(v *Vault) {
		v.schema = s
	}
}

// WithIdleTimeout sets how long a session may be inactive before auto-lock.
func WithIdleTimeout(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.idleTimeout = d
		}
	}
}

// WithCheckInterval sets how often the auto-lock loop checks for idleness.
func WithCheckInterval(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.checkInterval = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}
