// Package config loads vaultctl settings from a YAML file with LEDGERVAULT_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/util"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGERVAULT_"

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

type Storage struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
}

// Argon2 holds explicit Argon2id parameters. A non-empty Profile
// (interactive, moderate or sensitive) takes precedence over them.
type Argon2 struct {
	Profile     string `yaml:"profile"`
	Time        uint32 `yaml:"time"`
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Parallelism uint8  `yaml:"parallelism"`
}

type KDF struct {
	Algorithm        string `yaml:"algorithm"`
	Argon2           Argon2 `yaml:"argon2"`
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`
}

type Lock struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full vaultctl configuration.
type Config struct {
	DataDir string  `yaml:"data_dir"`
	Storage Storage `yaml:"storage"`
	KDF     KDF     `yaml:"kdf"`
	Lock    Lock    `yaml:"lock"`
	Listen  string  `yaml:"listen"`
	Log     Log     `yaml:"log"`
}

// Default returns the configuration used when no file or override is given.
func Default() *Config {
	p := util.DefaultArgon2idParams()
	return &Config{
		DataDir: defaultDataDir(),
		Storage: Storage{Driver: DriverBbolt},
		KDF: KDF{
			Algorithm:        string(crypto.KDFArgon2id),
			Argon2:           Argon2{Time: p.Time, MemoryKiB: p.MemoryKiB, Parallelism: p.Parallelism},
			PBKDF2Iterations: util.DefaultPBKDF2Iterations,
		},
		Lock: Lock{
			IdleTimeout:   10 * time.Minute,
			CheckInterval: 5 * time.Second,
		},
		Listen: "127.0.0.1:7420",
		Log:    Log{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ledgervault")
	}
	return ".ledgervault"
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides. A missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads FileName from the data directory when it exists.
func LoadDefault() (*Config, error) {
	path := filepath.Join(Default().DataDir, FileName)
	if dir, ok := os.LookupEnv(EnvPrefix + "DATA_DIR"); ok && dir != "" {
		path = filepath.Join(dir, FileName)
	}
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return Load(path)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
		return nil
	}

	str("DATA_DIR", &c.DataDir)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_PATH", &c.Storage.Path)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("KDF", &c.KDF.Algorithm)
	str("ARGON2_PROFILE", &c.KDF.Argon2.Profile)
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "PBKDF2_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPBKDF2_ITERATIONS: %w", EnvPrefix, err)
		}
		c.KDF.PBKDF2Iterations = n
	}
	if err := dur("IDLE_TIMEOUT", &c.Lock.IdleTimeout); err != nil {
		return err
	}
	return dur("CHECK_INTERVAL", &c.Lock.CheckInterval)
}

// Validate rejects unknown drivers, KDFs and non-positive durations.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverBbolt, DriverSQLite:
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("%w: storage.redis_addr is required for the redis driver", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if _, err := crypto.ParseKDF(c.KDF.Algorithm); err != nil {
		return fmt.Errorf("%w: kdf.algorithm: %v", ErrInvalidConfig, err)
	}
	if c.KDF.Argon2.Profile != "" {
		if _, err := util.Argon2idProfile(c.KDF.Argon2.Profile); err != nil {
			return fmt.Errorf("%w: kdf.argon2.profile: %v", ErrInvalidConfig, err)
		}
	}
	if err := util.ValidateArgon2idParams(c.Argon2idParams()); err != nil {
		return fmt.Errorf("%w: kdf.argon2: %v", ErrInvalidConfig, err)
	}
	if c.KDF.PBKDF2Iterations < util.DefaultPBKDF2Iterations {
		return fmt.Errorf("%w: kdf.pbkdf2_iterations must be at least %d", ErrInvalidConfig, util.DefaultPBKDF2Iterations)
	}
	if c.Lock.IdleTimeout <= 0 {
		return fmt.Errorf("%w: lock.idle_timeout must be positive", ErrInvalidConfig)
	}
	if c.Lock.CheckInterval <= 0 {
		return fmt.Errorf("%w: lock.check_interval must be positive", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// StoragePath resolves the file path for file-backed drivers.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		return filepath.Join(c.DataDir, "vault.sqlite")
	default:
		return filepath.Join(c.DataDir, "vault.db")
	}
}

// Argon2idParams returns the configured Argon2id parameters.
func (c *Config) Argon2idParams() util.Argon2idParams {
	if c.KDF.Argon2.Profile != "" {
		if p, err := util.Argon2idProfile(c.KDF.Argon2.Profile); err == nil {
			return p
		}
	}
	p := util.DefaultArgon2idParams()
	p.Time = c.KDF.Argon2.Time
	p.MemoryKiB = c.KDF.Argon2.MemoryKiB
	p.Parallelism = c.KDF.Argon2.Parallelism
	return p
}
