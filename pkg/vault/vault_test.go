package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/lockbox/internal/testutil"
	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/records"
)

var start = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func openTest(t *testing.T, mutate ...func(*Config)) (*Service, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(start)
	cfg := Config{
		Dir:   t.TempDir(),
		Audit: true,
		Clock: clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, clock
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			svc, _ := openTest(t, func(c *Config) { c.Backend = backend })

			id, err := svc.Store("hello", "k1")
			require.NoError(t, err)
			assert.NotEmpty(t, id)

			got, err := svc.Retrieve(id, "k1")
			require.NoError(t, err)
			assert.Equal(t, "hello", got)
		})
	}
}

func TestStore_Validation(t *testing.T) {
	svc, _ := openTest(t)

	_, err := svc.Store("", "k1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.Store("hello", "")
	assert.ErrorIs(t, err, ErrValidation)

	ids, err := svc.ListIdentifiers()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_SamePlaintextTwiceGivesDistinctIdentifiers(t *testing.T) {
	svc, _ := openTest(t)

	a, err := svc.Store("same", "k")
	require.NoError(t, err)
	b, err := svc.Store("same", "k")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	ids, err := svc.ListIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, ids)
}

func TestRetrieve_Validation(t *testing.T) {
	svc, _ := openTest(t)

	_, err := svc.Retrieve("", "k")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.Retrieve("id", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRetrieve_EmptyPasskeyIsNotCharged(t *testing.T) {
	svc, _ := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = svc.Retrieve(id, "")
		require.ErrorIs(t, err, ErrValidation)
	}
	_, ok := svc.tracker.State(id)
	assert.False(t, ok, "a missing passkey must not count as a failed attempt")

	got, err := svc.Retrieve(id, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestRetrieve_UnknownIdentifierLeavesNoState(t *testing.T) {
	svc, _ := openTest(t)

	_, err := svc.Retrieve("never-stored", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := svc.tracker.State("never-stored")
	assert.False(t, ok)

	assert.ErrorIs(t, svc.Reauthorize("never-stored", LegacyMasterSecret), ErrNotFound)
}

// The reference scenario: two wrong passkeys report attempts left, the third
// locks, and the correct passkey is refused while locked.
func TestLockoutScenario(t *testing.T) {
	svc, clock := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)

	_, err = svc.Retrieve(id, "bad")
	var werr *WrongPasskeyError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 2, werr.AttemptsLeft)

	_, err = svc.Retrieve(id, "bad")
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 1, werr.AttemptsLeft)

	_, err = svc.Retrieve(id, "bad")
	var lerr *LockedError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 300*time.Second, lerr.Remaining)
	assert.ErrorIs(t, err, ErrLocked)

	clock.Advance(10 * time.Second)
	_, err = svc.Retrieve(id, "k1")
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 290*time.Second, lerr.Remaining)

	// Refusals while locked do not change the state.
	st, ok := svc.tracker.State(id)
	require.True(t, ok)
	assert.Equal(t, 3, st.Attempts)
}

func TestLockExpiresAfterLockDuration(t *testing.T) {
	svc, clock := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(id, "bad")
	}

	clock.Advance(299 * time.Second)
	_, err = svc.Retrieve(id, "k1")
	assert.ErrorIs(t, err, ErrLocked)

	clock.Advance(time.Second)
	got, err := svc.Retrieve(id, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestExpiredLockResetsCounter(t *testing.T) {
	svc, clock := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(id, "bad")
	}
	clock.Advance(5 * time.Minute)

	_, err = svc.Retrieve(id, "bad")
	var werr *WrongPasskeyError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 2, werr.AttemptsLeft)
}

func TestSuccessResetsCounter(t *testing.T) {
	svc, _ := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	_, _ = svc.Retrieve(id, "bad")
	_, _ = svc.Retrieve(id, "bad")

	_, err = svc.Retrieve(id, "k1")
	require.NoError(t, err)

	_, err = svc.Retrieve(id, "bad")
	var werr *WrongPasskeyError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 2, werr.AttemptsLeft)
}

func TestLockoutIsPerIdentifier(t *testing.T) {
	svc, _ := openTest(t)

	a, err := svc.Store("a", "ka")
	require.NoError(t, err)
	b, err := svc.Store("b", "kb")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(a, "bad")
	}

	got, err := svc.Retrieve(b, "kb")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestReauthorize(t *testing.T) {
	svc, _ := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(id, "bad")
	}

	assert.ErrorIs(t, svc.Reauthorize(id, "wrong"), ErrWrongMaster)
	_, err = svc.Retrieve(id, "k1")
	assert.ErrorIs(t, err, ErrLocked, "a wrong master must not unlock")

	require.NoError(t, svc.Reauthorize(id, LegacyMasterSecret))
	got, err := svc.Retrieve(id, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	// Reauthorizing an open identifier with state is still a success.
	require.NoError(t, svc.Reauthorize(id, LegacyMasterSecret))

	assert.ErrorIs(t, svc.Reauthorize("", LegacyMasterSecret), ErrValidation)
}

func TestReauthorize_StoredButNeverFailed(t *testing.T) {
	svc, _ := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)

	// Only identifiers known to the tracker can be reauthorized.
	assert.ErrorIs(t, svc.Reauthorize(id, LegacyMasterSecret), ErrNotFound)
}

func TestReauthorize_ConfiguredMaster(t *testing.T) {
	encoded, err := crypto.HashCredential("s3cret-admin")
	require.NoError(t, err)
	master, err := NewMasterCredential(encoded)
	require.NoError(t, err)

	svc, _ := openTest(t, func(c *Config) { c.Master = master })

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	_, _ = svc.Retrieve(id, "bad")

	assert.ErrorIs(t, svc.Reauthorize(id, LegacyMasterSecret), ErrWrongMaster)
	require.NoError(t, svc.Reauthorize(id, "s3cret-admin"))
}

func TestNewMasterCredential_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"admin123",
		"$argon2i$v=19$m=1,t=1,p=1$a$b",
		"$argon2id$v=19$m=1",
		"$argon2id$v=19$m=65536,t=0,p=4$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNo",
		"$argon2id$v=19$m=65536,t=3,p=0$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNo",
	} {
		_, err := NewMasterCredential(in)
		assert.ErrorIs(t, err, crypto.ErrInvalidCredential, in)
	}
}

func TestLockStatus(t *testing.T) {
	svc, clock := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)

	st, err := svc.LockStatus(id)
	require.NoError(t, err)
	assert.Equal(t, attempts.PhaseOpen, st.Phase)
	assert.Equal(t, 3, st.AttemptsLeft)

	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(id, "bad")
	}
	clock.Advance(61 * time.Second)

	st, err = svc.LockStatus(id)
	require.NoError(t, err)
	assert.True(t, st.Locked())
	assert.Equal(t, "03:59", attempts.FormatRemaining(st.Remaining))

	clock.Advance(time.Hour)
	st, err = svc.LockStatus(id)
	require.NoError(t, err)
	assert.Equal(t, attempts.PhaseOpen, st.Phase)
	assert.Equal(t, 3, st.AttemptsLeft)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewFakeClock(start)
	cfg := Config{Dir: dir, Clock: clock.Now}

	svc, err := Open(cfg)
	require.NoError(t, err)
	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = svc.Retrieve(id, "bad")
	}
	require.NoError(t, svc.Close())

	clock.Advance(time.Minute)
	svc, err = Open(cfg)
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Retrieve(id, "k1")
	var lerr *LockedError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 4*time.Minute, lerr.Remaining)

	ids, err := svc.ListIdentifiers()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestPersistedDocuments(t *testing.T) {
	svc, _ := openTest(t)

	id, err := svc.Store("hello", "abc")
	require.NoError(t, err)
	_, _ = svc.Retrieve(id, "bad")

	data, err := os.ReadFile(filepath.Join(svc.Dir(), records.DocumentName))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"`+id+`":{"data":"`+id+`","passkey":"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"}}`,
		string(data))

	data, err = os.ReadFile(filepath.Join(svc.Dir(), attempts.DocumentName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"`+id+`":{"attempts":1,"lock_time":0}}`, string(data))
}

func TestRetrieve_CorruptRecord(t *testing.T) {
	svc, _ := openTest(t)

	// A record sealed under a different key is stored directly.
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	token, err := crypto.SealToken(otherKey, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, svc.records.Put(token, token, crypto.HashPasskey("k")))

	_, err = svc.Retrieve(token, "k")
	assert.ErrorIs(t, err, ErrCorruptRecord)
	assert.Equal(t, "CORRUPT_RECORD", Code(err))
}

func TestAuditTrail(t *testing.T) {
	svc, _ := openTest(t)

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	_, _ = svc.Retrieve(id, "bad")
	_, _ = svc.Retrieve(id, "bad")
	_, _ = svc.Retrieve(id, "bad")
	require.NoError(t, svc.Reauthorize(id, LegacyMasterSecret))
	_, err = svc.Retrieve(id, "k1")
	require.NoError(t, err)
	_, err = svc.ListIdentifiers()
	require.NoError(t, err)

	events, err := svc.Audit().ListEvents(0, time.Time{})
	require.NoError(t, err)

	ops := make([]string, len(events))
	for i, e := range events {
		ops[i] = e.Operation
		assert.Equal(t, audit.SourceCLI, e.Source)
	}
	assert.Equal(t, []string{
		audit.OpRecordStore,
		audit.OpRecordRetrieveDenied,
		audit.OpRecordRetrieveDenied,
		audit.OpRecordLocked,
		audit.OpRecordReauthorize,
		audit.OpRecordRetrieve,
		audit.OpRecordList,
	}, ops)

	subject := svc.Audit().SubjectHash(id)
	assert.Equal(t, subject, events[0].Subject)

	result, err := svc.Audit().Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// The identifier never appears in clear.
	files, err := filepath.Glob(filepath.Join(svc.Dir(), AuditDirName, "*.jsonl"))
	require.NoError(t, err)
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.False(t, strings.Contains(string(data), id))
	}
}

func TestAuditDisabled(t *testing.T) {
	svc, _ := openTest(t, func(c *Config) { c.Audit = false })
	assert.Nil(t, svc.Audit())

	_, err := svc.Store("hello", "k1")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(svc.Dir(), AuditDirName))
}

func TestClosed(t *testing.T) {
	svc, _ := openTest(t)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.Store("a", "b")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.Retrieve("a", "b")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, svc.Reauthorize("a", "b"), ErrClosed)
	_, err = svc.ListIdentifiers()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.LockStatus("a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir(), Backend: "redis"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Open(Config{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentRetrieveCountsEveryFailure(t *testing.T) {
	svc, _ := openTest(t, func(c *Config) {
		c.Policy = attempts.Policy{MaxAttempts: 10, LockDuration: time.Minute}
	})

	id, err := svc.Store("hello", "k1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Retrieve(id, "bad")
		}()
	}
	wg.Wait()

	st, ok := svc.tracker.State(id)
	require.True(t, ok)
	assert.Equal(t, 9, st.Attempts)

	_, err = svc.Retrieve(id, "bad")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestCode(t *testing.T) {
	tests := map[string]error{
		"OK":            nil,
		"VALIDATION":    ErrValidation,
		"NOT_FOUND":     ErrNotFound,
		"WRONG_PASSKEY": &WrongPasskeyError{AttemptsLeft: 1},
		"LOCKED":        &LockedError{Remaining: time.Second},
		"WRONG_MASTER":  ErrWrongMaster,
		"IO_ERROR":      errors.New("disk on fire"),
	}
	for want, err := range tests {
		assert.Equal(t, want, Code(err))
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "vault: incorrect passkey, 2 attempt(s) left", (&WrongPasskeyError{AttemptsLeft: 2}).Error())
	assert.Equal(t, "vault: identifier is locked, try again in 05:00", (&LockedError{Remaining: 5 * time.Minute}).Error())
}
