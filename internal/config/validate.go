package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/forest6511/lockbox/pkg/vault"
)

// validate checks the merged configuration before it is used.
func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}

	switch c.Backend {
	case vault.BackendFile, vault.BackendSQLite:
	default:
		return fmt.Errorf("%w: backend must be %q or %q, got %q",
			ErrInvalidConfig, vault.BackendFile, vault.BackendSQLite, c.Backend)
	}

	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q: %v", ErrInvalidConfig, c.LogLevel, err)
	}

	if _, err := c.Master(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}
