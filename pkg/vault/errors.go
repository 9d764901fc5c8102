package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/lockbox/pkg/attempts"
)

// Outcome errors. Callers distinguish them with errors.Is and errors.As;
// any other error is an I/O or integrity failure.
var (
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("vault: invalid input")

	// ErrNotFound indicates the identifier is unknown.
	ErrNotFound = errors.New("vault: record not found")

	// ErrWrongPasskey matches every *WrongPasskeyError.
	ErrWrongPasskey = errors.New("vault: incorrect passkey")

	// ErrLocked matches every *LockedError.
	ErrLocked = errors.New("vault: identifier is locked")

	// ErrWrongMaster indicates the master credential did not verify.
	ErrWrongMaster = errors.New("vault: incorrect master credential")

	// ErrCorruptRecord indicates a stored record no longer decrypts with the
	// data key.
	ErrCorruptRecord = errors.New("vault: record cannot be decrypted")

	// ErrClosed indicates the service has been closed.
	ErrClosed = errors.New("vault: service is closed")
)

// WrongPasskeyError reports a rejected passkey that did not trigger a lock.
type WrongPasskeyError struct {
	AttemptsLeft int
}

func (e *WrongPasskeyError) Error() string {
	return fmt.Sprintf("vault: incorrect passkey, %d attempt(s) left", e.AttemptsLeft)
}

func (e *WrongPasskeyError) Unwrap() error {
	return ErrWrongPasskey
}

// LockedError reports an identifier inside its lock window.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("vault: identifier is locked, try again in %s", attempts.FormatRemaining(e.Remaining))
}

func (e *LockedError) Unwrap() error {
	return ErrLocked
}

// Code returns a stable, machine-readable name for an outcome error. It is
// used in audit events and structured tool output.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrWrongPasskey):
		return "WRONG_PASSKEY"
	case errors.Is(err, ErrLocked):
		return "LOCKED"
	case errors.Is(err, ErrWrongMaster):
		return "WRONG_MASTER"
	case errors.Is(err, ErrCorruptRecord):
		return "CORRUPT_RECORD"
	case errors.Is(err, ErrClosed):
		return "CLOSED"
	default:
		return "IO_ERROR"
	}
}
