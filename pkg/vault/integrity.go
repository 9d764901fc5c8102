package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/keystore"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// IntegrityCheckResult contains the results of an integrity check
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	Records          int      `json:"records"`
	RecordsReadable  int      `json:"records_readable"`
	LockedIDs        int      `json:"locked"`
	AttemptStates    int      `json:"attempt_states"`
	AuditVerified    int      `json:"audit_verified,omitempty"`
	PermissionsValid bool     `json:"permissions_valid"`
	DBIntegrity      string   `json:"db_integrity,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// CheckIntegrity inspects the data directory without modifying it:
//  1. directory and key file permissions (0700 / 0600)
//  2. every record has identifier == ciphertext and decrypts with the key
//  3. every attempt state belongs to a record, is within [0, MaxAttempts]
//     and has a lock time exactly when it is at the limit
//  4. the audit chain verifies, when auditing is enabled
//  5. SQLite integrity_check, for the sqlite backend
func (s *Service) CheckIntegrity() (*IntegrityCheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	result := &IntegrityCheckResult{Valid: true, PermissionsValid: true}

	if runtime.GOOS != "windows" {
		s.checkPerm(result, s.dir, "data directory", snapshot.DirMode)
		s.checkPerm(result, filepath.Join(s.dir, keystore.KeyFileName), "key file", snapshot.FileMode)
	}

	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}

	ids := s.records.ListIdentifiers()
	result.Records = len(ids)
	for _, id := range ids {
		rec, err := s.records.Get(id)
		if err != nil {
			return nil, err
		}
		if rec.Ciphertext != rec.Identifier {
			result.fail("record %s: identifier and ciphertext differ", logger.ShortID(id))
			continue
		}
		plaintext, err := crypto.OpenToken(key, rec.Ciphertext)
		if err != nil {
			result.fail("record %s: %v", logger.ShortID(id), err)
			continue
		}
		crypto.SecureWipe(plaintext)
		result.RecordsReadable++
	}

	policy := s.tracker.Policy()
	for _, id := range s.tracker.Identifiers() {
		state, ok := s.tracker.State(id)
		if !ok {
			continue
		}
		result.AttemptStates++
		if _, err := s.records.Get(id); err != nil {
			result.fail("attempt state %s: no such record", logger.ShortID(id))
		}
		if state.Attempts < 0 || state.Attempts > policy.MaxAttempts || state.LockTime < 0 {
			result.fail("attempt state %s: %d attempts with lock time %v out of range",
				logger.ShortID(id), state.Attempts, state.LockTime)
			continue
		}
		atLimit := state.Attempts >= policy.MaxAttempts
		if atLimit != (state.LockTime != 0) {
			result.fail("attempt state %s: %d attempts with lock time %v is inconsistent",
				logger.ShortID(id), state.Attempts, state.LockTime)
			continue
		}
		if atLimit && attempts.Evaluate(state, s.now(), policy).Locked() {
			result.LockedIDs++
		}
	}

	if s.trail != nil {
		verify, err := s.trail.Verify()
		if err != nil {
			result.fail("audit trail: %v", err)
		} else {
			result.AuditVerified = verify.RecordsVerified
			for _, msg := range verify.Errors {
				result.fail("audit trail: %s", msg)
			}
			if !verify.Valid && len(verify.Errors) == 0 {
				result.fail("audit trail failed verification")
			}
		}
	}

	if db, ok := s.backend.(*snapshot.SQLiteBackend); ok {
		check, err := db.IntegrityCheck()
		if err != nil {
			result.fail("database integrity check failed: %v", err)
		} else {
			result.DBIntegrity = check
			if check != "ok" {
				result.fail("database integrity check returned: %s", check)
			}
		}
	}

	return result, nil
}

func (s *Service) checkPerm(result *IntegrityCheckResult, path, what string, want os.FileMode) {
	info, err := os.Stat(path)
	if err != nil {
		result.fail("%s: %v", what, err)
		return
	}
	if perm := info.Mode().Perm(); perm&^want != 0 {
		result.PermissionsValid = false
		result.fail("%s has insecure permissions: %04o (expected %04o)", what, perm, want)
	}
}
