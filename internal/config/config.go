// Package config resolves lockbox settings from defaults, a YAML file,
// LOCKBOX_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/vault"
)

// Defaults
const (
	DefaultDirName  = ".lockbox"
	DefaultLogLevel = "info"
	FileName        = "config.yaml"
	EnvPrefix       = "LOCKBOX_"
)

// Config is the resolved configuration.
//
// Zero values mean "not set" while sources are merged; Audit is a pointer so
// that an explicit false survives the merge.
type Config struct {
	// DataDir holds the key, the documents and the audit trail.
	// Env: LOCKBOX_DATA_DIR
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Backend selects snapshot storage: "file" or "sqlite".
	// Env: LOCKBOX_BACKEND
	Backend string `yaml:"backend" env:"BACKEND"`

	// MasterCredential is an argon2id hash from `lockbox master-hash`.
	// Env: LOCKBOX_MASTER_CREDENTIAL
	MasterCredential string `yaml:"master_credential" env:"MASTER_CREDENTIAL"`

	// MaxAttempts is the number of wrong passkeys that locks an identifier.
	// Env: LOCKBOX_MAX_ATTEMPTS
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	// LockDuration is how long a lock lasts (e.g. "5m").
	// Env: LOCKBOX_LOCK_DURATION
	LockDuration time.Duration `yaml:"lock_duration" env:"LOCK_DURATION"`

	// LogLevel is a zerolog level name.
	// Env: LOCKBOX_LOG_LEVEL
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// Audit enables the audit trail.
	// Env: LOCKBOX_AUDIT
	Audit *bool `yaml:"audit" env:"AUDIT"`

	// ConfigPath is the YAML file that was (or would have been) read.
	// Env: LOCKBOX_CONFIG
	ConfigPath string `yaml:"-" env:"CONFIG"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	audit := true
	return &Config{
		DataDir:      defaultDataDir(),
		Backend:      vault.BackendFile,
		MaxAttempts:  attempts.DefaultMaxAttempts,
		LockDuration: attempts.DefaultLockDuration,
		LogLevel:     DefaultLogLevel,
		Audit:        &audit,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// AuditEnabled reports whether the audit trail is on.
func (c *Config) AuditEnabled() bool {
	return c.Audit == nil || *c.Audit
}

// Policy returns the lockout policy.
func (c *Config) Policy() attempts.Policy {
	return attempts.Policy{MaxAttempts: c.MaxAttempts, LockDuration: c.LockDuration}
}

// Master returns the configured master credential, or the legacy built-in
// one when none is configured.
func (c *Config) Master() (*vault.MasterCredential, error) {
	if c.MasterCredential == "" {
		return vault.LegacyMasterCredential(), nil
	}
	return vault.NewMasterCredential(c.MasterCredential)
}

// VaultConfig builds the vault.Config for a shell identified by source.
func (c *Config) VaultConfig(source string, log *logger.Logger) (vault.Config, error) {
	master, err := c.Master()
	if err != nil {
		return vault.Config{}, err
	}
	return vault.Config{
		Dir:     c.DataDir,
		Backend: c.Backend,
		Policy:  c.Policy(),
		Master:  master,
		Audit:   c.AuditEnabled(),
		Source:  source,
		Logger:  log,
	}, nil
}
