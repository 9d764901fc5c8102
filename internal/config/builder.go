package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

// Options controls Load.
type Options struct {
	// ConfigPath is the --config flag. When set the file must exist.
	ConfigPath string
	// Flags holds values set on the command line; zero fields are unset.
	Flags *Config
	// Environ replaces the process environment (tests).
	Environ map[string]string
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	return newConfigBuilder().
		withDefaults().
		withEnv(opts.Environ).
		withFlags(opts.Flags).
		withFile(opts.ConfigPath).
		build()
}

// configBuilder collects sources lowest precedence first.
type configBuilder struct {
	defaults *Config
	file     *Config
	env      *Config
	flags    *Config
	err      error
}

func newConfigBuilder() *configBuilder {
	return &configBuilder{}
}

func (b *configBuilder) withDefaults() *configBuilder {
	b.defaults = Defaults()
	return b
}

func (b *configBuilder) withEnv(environ map[string]string) *configBuilder {
	cfg := &Config{}
	if err := parseEnv(cfg, environ); err != nil {
		b.err = errors.Join(b.err, err)
		return b
	}
	b.env = cfg
	return b
}

func (b *configBuilder) withFlags(flags *Config) *configBuilder {
	if flags != nil {
		b.flags = flags
	}
	return b
}

// withFile reads the YAML file. Its location comes from the --config flag,
// then LOCKBOX_CONFIG, then <data-dir>/config.yaml; only the last may be
// missing.
func (b *configBuilder) withFile(explicit string) *configBuilder {
	path := explicit
	if path == "" && b.env != nil {
		path = b.env.ConfigPath
	}
	required := path != ""
	if path == "" {
		path = filepath.Join(b.dataDir(), FileName)
	}

	cfg, err := parseFile(path)
	switch {
	case err == nil:
		cfg.ConfigPath = path
		b.file = cfg
	case errors.Is(err, os.ErrNotExist) && !required:
		b.file = &Config{ConfigPath: path}
	case errors.Is(err, os.ErrNotExist):
		b.err = errors.Join(b.err, fmt.Errorf("%w: config file %s not found", ErrInvalidConfig, path))
	default:
		b.err = errors.Join(b.err, err)
	}
	return b
}

// dataDir resolves the data directory from the sources that can set it
// without reading the file.
func (b *configBuilder) dataDir() string {
	for _, cfg := range []*Config{b.flags, b.env, b.defaults} {
		if cfg != nil && cfg.DataDir != "" {
			return cfg.DataDir
		}
	}
	return defaultDataDir()
}

func (b *configBuilder) build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}

	// mergo treats an explicit false as unset, so Audit is resolved by hand:
	// the last source that sets it wins.
	var audit *bool
	config := new(Config)
	for _, src := range []*Config{b.defaults, b.file, b.env, b.flags} {
		if src == nil {
			continue
		}
		layer := *src
		if layer.Audit != nil {
			v := *layer.Audit
			audit = &v
			layer.Audit = nil
		}
		if err := mergo.Merge(config, &layer, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: error merging configs: %w", err)
		}
	}
	config.Audit = audit

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}
