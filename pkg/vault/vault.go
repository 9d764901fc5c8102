// Package vault is the passkey-gated record store that shells talk to.
//
// A Service ties together the data key (keystore), the stored records
// (records) and the brute-force lockout (attempts). Storing a plaintext
// returns an opaque identifier; retrieving it needs that identifier and the
// passkey it was stored under. Too many wrong passkeys lock the identifier
// until the lock expires or an administrator reauthorizes it with the master
// credential.
//
// Every call is serialized. Outcomes other than success are returned as the
// typed errors in errors.go, never as panics.
package vault

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/attempts"
	"github.com/forest6511/lockbox/pkg/audit"
	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/keystore"
	"github.com/forest6511/lockbox/pkg/records"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// Storage backends
const (
	BackendFile   = snapshot.KindFile
	BackendSQLite = snapshot.KindSQLite
)

// AuditDirName is the audit trail directory inside the data directory.
const AuditDirName = "audit"

// Config describes a Service rooted in a data directory.
type Config struct {
	// Dir holds vault.key, the record and attempt documents and the audit trail.
	Dir string
	// Backend is BackendFile or BackendSQLite.
	Backend string
	// Policy is the lockout policy.
	Policy attempts.Policy
	// Master authorizes Reauthorize. Nil means the legacy built-in credential.
	Master *MasterCredential
	// Audit enables the audit trail.
	Audit bool
	// Source tags audit events (audit.SourceCLI, audit.SourceMCP).
	Source string
	// Clock replaces time.Now.
	Clock func() time.Time
	// Logger receives operational logs.
	Logger *logger.Logger
}

// Service implements store, retrieve and reauthorize.
type Service struct {
	mu sync.Mutex

	dir         string
	backend     snapshot.Backend
	backendKind string
	keys        *keystore.Manager
	records     *records.Store
	tracker     *attempts.Tracker
	master      *MasterCredential
	trail       *audit.Trail
	source      string
	now         func() time.Time
	log         *logger.Logger
	closed      bool
}

// Open loads (or initializes) the data directory described by cfg. The data
// key is loaded eagerly; a missing key file is generated.
func Open(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: data directory is required", ErrValidation)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Policy == (attempts.Policy{}) {
		cfg.Policy = attempts.DefaultPolicy()
	}
	if cfg.Source == "" {
		cfg.Source = audit.SourceCLI
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendFile
	}

	backend, err := openBackend(cfg.Backend, cfg.Dir, log)
	if err != nil {
		return nil, err
	}

	svc, err := newService(cfg, backend, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return svc, nil
}

func openBackend(name, dir string, log *logger.Logger) (snapshot.Backend, error) {
	backend, err := snapshot.Open(name, dir, log.GetChildLogger("snapshot"))
	if errors.Is(err, snapshot.ErrUnknownKind) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return backend, err
}

func newService(cfg Config, backend snapshot.Backend, log *logger.Logger) (*Service, error) {
	keys := keystore.New(cfg.Dir, log)
	key, err := keys.Key()
	if err != nil {
		return nil, err
	}

	recs, err := records.Open(backend)
	if err != nil {
		return nil, err
	}

	tracker, err := attempts.Open(backend, cfg.Policy,
		attempts.WithClock(cfg.Clock), attempts.WithLogger(log))
	if err != nil {
		return nil, err
	}

	master := cfg.Master
	if master == nil {
		master = LegacyMasterCredential()
	}
	if master.IsLegacy() {
		log.Warn().Msg("no master credential configured, using the built-in default; run 'lockbox master-hash' to set one")
	}

	s := &Service{
		dir:         cfg.Dir,
		backend:     backend,
		backendKind: cfg.Backend,
		keys:        keys,
		records:     recs,
		tracker:     tracker,
		master:      master,
		source:      cfg.Source,
		now:         cfg.Clock,
		log:         log.GetChildLogger("vault"),
	}
	if s.now == nil {
		s.now = time.Now
	}

	if cfg.Audit {
		trail := audit.New(filepath.Join(cfg.Dir, AuditDirName),
			audit.WithClock(cfg.Clock), audit.WithLogger(log))
		if err := trail.SetKey(key); err != nil {
			return nil, err
		}
		s.trail = trail
	}

	return s, nil
}

// Close releases the storage backend and wipes the in-memory key.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.keys.Wipe()
	return s.backend.Close()
}

// Dir returns the data directory.
func (s *Service) Dir() string {
	return s.dir
}

// Audit returns the audit trail, or nil when auditing is disabled.
func (s *Service) Audit() *audit.Trail {
	return s.trail
}

// Policy returns the lockout policy in effect.
func (s *Service) Policy() attempts.Policy {
	return s.tracker.Policy()
}

// Store encrypts plaintext and stores it under passkey. It returns the
// identifier needed to retrieve it.
func (s *Service) Store(plaintext, passkey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if plaintext == "" {
		return "", fmt.Errorf("%w: plaintext is required", ErrValidation)
	}
	if passkey == "" {
		return "", fmt.Errorf("%w: passkey is required", ErrValidation)
	}

	key, err := s.keys.Key()
	if err != nil {
		return "", err
	}
	token, err := crypto.SealToken(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	if err := s.records.Put(token, token, crypto.HashPasskey(passkey)); err != nil {
		s.auditFailure(audit.OpRecordStore, "", err)
		return "", err
	}

	s.auditSuccess(audit.OpRecordStore, token)
	s.log.Info().Str("id", logger.ShortID(token)).Msg("record stored")
	return token, nil
}

// Retrieve returns the plaintext stored under identifier when passkey
// matches.
//
// A locked identifier is refused with *LockedError before the passkey is
// looked at. A wrong passkey returns *WrongPasskeyError, or *LockedError when
// that failure started the lock. An unknown identifier returns ErrNotFound
// and leaves no attempt state behind. An empty passkey is ErrValidation and
// is not counted as an attempt.
func (s *Service) Retrieve(identifier, passkey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if identifier == "" || passkey == "" {
		return "", fmt.Errorf("%w: identifier and passkey are required", ErrValidation)
	}

	status, err := s.tracker.Status(identifier)
	if err != nil {
		return "", err
	}
	if status.Locked() {
		lerr := &LockedError{Remaining: status.Remaining}
		s.auditDenied(audit.OpRecordLocked, identifier, lerr)
		return "", lerr
	}

	rec, err := s.records.Get(identifier)
	if errors.Is(err, records.ErrNotFound) {
		s.auditFailure(audit.OpRecordRetrieve, identifier, ErrNotFound)
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if !crypto.EqualHashes(crypto.HashPasskey(passkey), rec.PasskeyHash) {
		return "", s.rejectLocked(identifier)
	}

	if err := s.tracker.RecordSuccess(identifier); err != nil {
		return "", err
	}

	key, err := s.keys.Key()
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.OpenToken(key, rec.Ciphertext)
	if err != nil {
		s.auditFailure(audit.OpRecordRetrieve, identifier, ErrCorruptRecord)
		s.log.Error().Err(err).Str("id", logger.ShortID(identifier)).Msg("stored record does not decrypt")
		return "", fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	s.auditSuccess(audit.OpRecordRetrieve, identifier)
	return string(plaintext), nil
}

// rejectLocked counts a wrong passkey and builds the outcome error.
func (s *Service) rejectLocked(identifier string) error {
	left, err := s.tracker.RecordFailure(identifier)
	if err != nil {
		return err
	}

	if left > 0 {
		werr := &WrongPasskeyError{AttemptsLeft: left}
		s.auditDenied(audit.OpRecordRetrieveDenied, identifier, werr)
		return werr
	}

	lerr := &LockedError{Remaining: s.tracker.RemainingLock(identifier)}
	if lerr.Remaining == 0 {
		lerr.Remaining = s.tracker.Policy().LockDuration
	}
	s.auditDenied(audit.OpRecordLocked, identifier, lerr)
	return lerr
}

// Reauthorize clears the attempt state of identifier, locked or not, after
// verifying the master credential. ErrNotFound means the identifier has no
// attempt state to clear.
func (s *Service) Reauthorize(identifier, master string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrValidation)
	}

	ok, err := s.master.Verify(master)
	if err != nil {
		return err
	}
	if !ok {
		s.auditDenied(audit.OpRecordReauthorize, identifier, ErrWrongMaster)
		s.log.Warn().Str("id", logger.ShortID(identifier)).Msg("reauthorization refused")
		return ErrWrongMaster
	}

	found, err := s.tracker.Reauthorize(identifier)
	if err != nil {
		return err
	}
	if !found {
		s.auditFailure(audit.OpRecordReauthorize, identifier, ErrNotFound)
		return ErrNotFound
	}

	s.auditSuccess(audit.OpRecordReauthorize, identifier)
	return nil
}

// ListIdentifiers returns every stored identifier in insertion order.
func (s *Service) ListIdentifiers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	ids := s.records.ListIdentifiers()
	s.auditSuccess(audit.OpRecordList, "")
	return ids, nil
}

// LockStatus returns the lock state of identifier for display. An expired
// lock is cleared as a side effect.
func (s *Service) LockStatus(identifier string) (attempts.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return attempts.Status{}, ErrClosed
	}
	if identifier == "" {
		return attempts.Status{}, fmt.Errorf("%w: identifier is required", ErrValidation)
	}
	return s.tracker.Status(identifier)
}

// Audit helpers. A failing audit write is logged and never changes the
// outcome of the operation.

func (s *Service) auditSuccess(op, subject string) {
	if s.trail == nil {
		return
	}
	if err := s.trail.Success(op, s.source, subject); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("audit write failed")
	}
}

func (s *Service) auditFailure(op, subject string, cause error) {
	if s.trail == nil {
		return
	}
	if err := s.trail.Failure(op, s.source, subject, Code(cause), cause.Error()); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("audit write failed")
	}
}

func (s *Service) auditDenied(op, subject string, cause error) {
	if s.trail == nil {
		return
	}
	ctx := map[string]any{"code": Code(cause)}
	var werr *WrongPasskeyError
	var lerr *LockedError
	switch {
	case errors.As(cause, &werr):
		ctx["attempts_left"] = werr.AttemptsLeft
	case errors.As(cause, &lerr):
		ctx["remaining"] = attempts.FormatRemaining(lerr.Remaining)
	}
	if err := s.trail.Denied(op, s.source, subject, ctx); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("audit write failed")
	}
}
