package vault

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/keystore"
)

func TestCheckIntegrity_Healthy(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			svc, _ := openTest(t, func(c *Config) { c.Backend = backend })

			id, err := svc.Store("hello", "k1")
			require.NoError(t, err)
			_, err = svc.Store("world", "k2")
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				_, _ = svc.Retrieve(id, "bad")
			}

			result, err := svc.CheckIntegrity()
			require.NoError(t, err)
			assert.True(t, result.Valid, result.Errors)
			assert.Equal(t, 2, result.Records)
			assert.Equal(t, 2, result.RecordsReadable)
			assert.Equal(t, 1, result.LockedIDs)
			if backend == BackendSQLite {
				assert.Equal(t, "ok", result.DBIntegrity)
			}
		})
	}
}

func TestCheckIntegrity_UnreadableRecord(t *testing.T) {
	svc, _ := openTest(t)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	token, err := crypto.SealToken(otherKey, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, svc.records.Put(token, token, crypto.HashPasskey("k")))

	result, err := svc.CheckIntegrity()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.RecordsReadable)
}

func TestCheckIntegrity_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	svc, _ := openTest(t)
	require.NoError(t, os.Chmod(svc.Dir(), 0o755))
	t.Cleanup(func() { _ = os.Chmod(svc.Dir(), 0o700) })

	result, err := svc.CheckIntegrity()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.PermissionsValid)
	assert.FileExists(t, filepath.Join(svc.Dir(), keystore.KeyFileName))
}

func TestCheckIntegrity_ExpiredLockNotCounted(t *testing.T) {
	svc, clock := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(id, "bad")
	}
	clock.Advance(10 * time.Minute)

	result, err := svc.CheckIntegrity()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.LockedIDs)
}

func TestCheckIntegrity_TamperedAudit(t *testing.T) {
	svc, _ := openTest(t)

	_, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	_, err = svc.Store("world", "k2")
	require.NoError(t, err)

	logs, err := filepath.Glob(filepath.Join(svc.Dir(), AuditDirName, "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"result":"success"`, `"result":"failure"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(logs[0], []byte(tampered), 0o600))

	result, err := svc.CheckIntegrity()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.RecordsReadable)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "audit trail")
}

func TestCheckIntegrity_AttemptStates(t *testing.T) {
	tests := []struct {
		name  string
		state string
		want  string
	}{
		{"negative attempts", `{"attempts": -1, "lock_time": 0}`, "out of range"},
		{"above limit", `{"attempts": 7, "lock_time": 1777629600}`, "out of range"},
		{"limit without lock", `{"attempts": 3, "lock_time": 0}`, "inconsistent"},
		{"lock below limit", `{"attempts": 1, "lock_time": 1777629600}`, "inconsistent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			svc, clock := openTest(t, func(c *Config) { c.Dir = dir })
			id, err := svc.Store("hello", "k1")
			require.NoError(t, err)
			require.NoError(t, svc.Close())

			doc := `{"` + id + `": ` + tt.state + `}`
			require.NoError(t, os.WriteFile(filepath.Join(dir, attempts.DocumentName), []byte(doc), 0o600))

			reopened, err := Open(Config{Dir: dir, Clock: clock.Now})
			require.NoError(t, err)
			t.Cleanup(func() { _ = reopened.Close() })

			result, err := reopened.CheckIntegrity()
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, 1, result.AttemptStates)
			assert.Contains(t, strings.Join(result.Errors, "\n"), tt.want)
		})
	}
}

func TestCheckIntegrity_OrphanAttemptState(t *testing.T) {
	dir := t.TempDir()
	svc, clock := openTest(t, func(c *Config) { c.Dir = dir })
	_, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	doc := `{"not-a-record": {"attempts": 1, "lock_time": 0}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, attempts.DocumentName), []byte(doc), 0o600))

	reopened, err := Open(Config{Dir: dir, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	result, err := reopened.CheckIntegrity()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "no such record")
}
