package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/backup"
)

func TestBackupRestore_RoundTrip(t *testing.T) {
	svc, clock := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	_, err = svc.Retrieve(id, "bad")
	require.Error(t, err)

	var buf bytes.Buffer
	opts := backup.Options{Passphrase: []byte("backup passphrase")}
	header, err := svc.Backup(&buf, true, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, header.Records)
	assert.Equal(t, BackendFile, header.Backend)
	assert.True(t, header.IncludesAudit)

	_, contents, err := backup.Read(buf.Bytes(), opts)
	require.NoError(t, err)

	target := t.TempDir()
	_, err = backup.Restore(target, contents, backup.RestoreOptions{Backend: BackendSQLite, WithAudit: true})
	require.NoError(t, err)

	restored, err := Open(Config{Dir: target, Backend: BackendSQLite, Audit: true, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Close() })

	st, err := restored.LockStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failures, "attempt state must survive the backup")

	got, err := restored.Retrieve(id, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	verify, err := restored.Audit().Verify()
	require.NoError(t, err)
	assert.True(t, verify.Valid, "restored audit chain must verify: %v", verify.Errors)
}

func TestBackup_Closed(t *testing.T) {
	svc, _ := openTest(t)
	require.NoError(t, svc.Close())

	_, err := svc.Backup(&bytes.Buffer{}, false, backup.Options{Passphrase: []byte("p")})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRestore_ForceReplacesNewerDocuments(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			svc, clock := openTest(t, func(c *Config) {
				c.Dir = dir
				c.Backend = backend
			})

			id, err := svc.Store("hello", "pass1")
			require.NoError(t, err)

			var buf bytes.Buffer
			opts := backup.Options{Passphrase: []byte("backup passphrase")}
			_, err = svc.Backup(&buf, false, opts)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				_, _ = svc.Retrieve(id, "wrong")
			}
			st, err := svc.LockStatus(id)
			require.NoError(t, err)
			require.True(t, st.Locked())
			require.NoError(t, svc.Close())

			_, contents, err := backup.Read(buf.Bytes(), opts)
			require.NoError(t, err)
			_, hasAttempts := contents.Documents[attempts.DocumentName]
			require.False(t, hasAttempts, "backup was taken before any attempt state existed")

			_, err = Restore(dir, contents, backup.RestoreOptions{Backend: backend, Force: true})
			require.NoError(t, err)

			restored, err := Open(Config{Dir: dir, Backend: backend, Clock: clock.Now})
			require.NoError(t, err)
			t.Cleanup(func() { _ = restored.Close() })

			got, err := restored.Retrieve(id, "pass1")
			require.NoError(t, err)
			assert.Equal(t, "hello", got)
		})
	}
}
