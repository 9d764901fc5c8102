package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/vault"
)

func writeYAML(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Options{Environ: map[string]string{"LOCKBOX_DATA_DIR": dir}})
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, vault.BackendFile, cfg.Backend)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.LockDuration)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AuditEnabled())
	assert.Equal(t, filepath.Join(dir, FileName), cfg.ConfigPath)

	master, err := cfg.Master()
	require.NoError(t, err)
	assert.True(t, master.IsLegacy())
}

func TestDefaultDataDirUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	cfg, err := Load(Options{Environ: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultDirName), cfg.DataDir)
}

func TestFileFromDataDir(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
backend: sqlite
max_attempts: 5
lock_duration: 10m
log_level: debug
audit: false
`)

	cfg, err := Load(Options{Environ: map[string]string{"LOCKBOX_DATA_DIR": dir}})
	require.NoError(t, err)

	assert.Equal(t, vault.BackendSQLite, cfg.Backend)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.LockDuration)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.AuditEnabled())
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, t.TempDir(), `
data_dir: `+dir+`
max_attempts: 5
log_level: debug
backend: sqlite
audit: false
`)

	environ := map[string]string{
		"LOCKBOX_MAX_ATTEMPTS": "7",
		"LOCKBOX_LOG_LEVEL":    "warn",
		"LOCKBOX_AUDIT":        "true",
	}
	flags := &Config{LogLevel: "error"}

	cfg, err := Load(Options{ConfigPath: path, Flags: flags, Environ: environ})
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir, "file over defaults")
	assert.Equal(t, vault.BackendSQLite, cfg.Backend, "file over defaults")
	assert.Equal(t, 7, cfg.MaxAttempts, "env over file")
	assert.Equal(t, "error", cfg.LogLevel, "flags over env")
	assert.True(t, cfg.AuditEnabled(), "env true over file false")
	assert.Equal(t, path, cfg.ConfigPath)
}

func TestFlagDisablesAudit(t *testing.T) {
	off := false
	cfg, err := Load(Options{
		Flags:   &Config{DataDir: t.TempDir(), Audit: &off},
		Environ: map[string]string{},
	})
	require.NoError(t, err)
	assert.False(t, cfg.AuditEnabled())

	// The defaults are not mutated by the merge.
	assert.True(t, Defaults().AuditEnabled())
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeYAML(t, t.TempDir(), "max_attempts: 4\n")
	cfg, err := Load(Options{Environ: map[string]string{
		"LOCKBOX_DATA_DIR": t.TempDir(),
		"LOCKBOX_CONFIG":   path,
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxAttempts)
}

func TestExplicitMissingFile(t *testing.T) {
	_, err := Load(Options{
		ConfigPath: filepath.Join(t.TempDir(), "nope.yaml"),
		Environ:    map[string]string{},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "")
	cfg, err := Load(Options{Environ: map[string]string{"LOCKBOX_DATA_DIR": dir}})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestUnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "max_attempt: 4\n")
	_, err := Load(Options{Environ: map[string]string{"LOCKBOX_DATA_DIR": dir}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBadEnvValue(t *testing.T) {
	_, err := Load(Options{Environ: map[string]string{
		"LOCKBOX_DATA_DIR":      t.TempDir(),
		"LOCKBOX_LOCK_DURATION": "five minutes",
	}})
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
	}{
		{"backend", map[string]string{"LOCKBOX_BACKEND": "redis"}},
		{"max attempts", map[string]string{"LOCKBOX_MAX_ATTEMPTS": "-1"}},
		{"lock duration", map[string]string{"LOCKBOX_LOCK_DURATION": "-5s"}},
		{"log level", map[string]string{"LOCKBOX_LOG_LEVEL": "loud"}},
		{"master credential", map[string]string{"LOCKBOX_MASTER_CREDENTIAL": "admin123"}},
		{"master credential rounds", map[string]string{
			"LOCKBOX_MASTER_CREDENTIAL": "$argon2id$v=19$m=65536,t=0,p=4$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNo",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.environ["LOCKBOX_DATA_DIR"] = t.TempDir()
			_, err := Load(Options{Environ: tt.environ})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestVaultConfig(t *testing.T) {
	encoded, err := crypto.HashCredential("admin-secret")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg, err := Load(Options{Environ: map[string]string{
		"LOCKBOX_DATA_DIR":          dir,
		"LOCKBOX_MASTER_CREDENTIAL": encoded,
		"LOCKBOX_MAX_ATTEMPTS":      "4",
	}})
	require.NoError(t, err)

	vc, err := cfg.VaultConfig(audit.SourceMCP, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, vc.Dir)
	assert.Equal(t, 4, vc.Policy.MaxAttempts)
	assert.Equal(t, audit.SourceMCP, vc.Source)
	assert.True(t, vc.Audit)
	require.NotNil(t, vc.Master)
	assert.False(t, vc.Master.IsLegacy())

	ok, err := vc.Master.Verify("admin-secret")
	require.NoError(t, err)
	assert.True(t, ok)
}
