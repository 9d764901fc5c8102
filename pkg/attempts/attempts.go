// Package attempts tracks failed passkey attempts per identifier and locks an
// identifier after too many consecutive failures.
//
// An identifier moves through three effective phases:
//
//	Open      failures < MaxAttempts
//	Locked    failures >= MaxAttempts and now <  lockTime + LockDuration
//	Expired   failures >= MaxAttempts and now >= lockTime + LockDuration
//
// Expired is never reported to callers: the first operation that observes it
// resets the identifier to Open and persists that transition.
package attempts

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// DocumentName is the snapshot document holding all attempt states.
const DocumentName = "attempts.json"

// Default lockout policy.
const (
	DefaultMaxAttempts  = 3
	DefaultLockDuration = 300 * time.Second
)

// ErrInvalidPolicy indicates a policy with non-positive limits.
var ErrInvalidPolicy = errors.New("attempts: invalid policy")

// Policy configures the lockout.
type Policy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// DefaultPolicy returns three attempts and a five minute lock.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, LockDuration: DefaultLockDuration}
}

// Validate checks the policy limits.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidPolicy)
	}
	if p.LockDuration <= 0 {
		return fmt.Errorf("%w: lock duration must be positive", ErrInvalidPolicy)
	}
	return nil
}

// State is the persisted attempt state of one identifier.
// LockTime is in fractional Unix seconds, zero when unlocked.
type State struct {
	Attempts int     `json:"attempts"`
	LockTime float64 `json:"lock_time"`
}

// Phase is the effective lock phase of an identifier.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseLocked
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseLocked:
		return "locked"
	case PhaseExpired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is the evaluated view of a State at a given instant.
type Status struct {
	Phase        Phase
	Failures     int
	AttemptsLeft int
	// Remaining is the time until the lock expires; zero unless Locked.
	Remaining time.Duration
}

// Locked reports whether the identifier currently refuses retrieval.
func (s Status) Locked() bool {
	return s.Phase == PhaseLocked
}

// Evaluate derives the effective status of state at now. It has no side
// effects.
func Evaluate(state State, now time.Time, p Policy) Status {
	st := Status{
		Phase:        PhaseOpen,
		Failures:     state.Attempts,
		AttemptsLeft: max(0, p.MaxAttempts-state.Attempts),
	}
	if state.Attempts < p.MaxAttempts {
		return st
	}

	remaining := p.LockDuration - now.Sub(fromEpoch(state.LockTime))
	if remaining <= 0 {
		st.Phase = PhaseExpired
		return st
	}
	st.Phase = PhaseLocked
	st.Remaining = remaining
	return st
}

// FormatRemaining renders d as mm:ss, rounding partial seconds down.
// Negative durations render as 00:00.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(log *logger.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// Tracker holds the attempt state of every identifier that has ever failed,
// backed by a snapshot document. It is safe for concurrent use.
type Tracker struct {
	backend snapshot.Backend
	policy  Policy
	now     func() time.Time
	log     *logger.Logger

	mu     sync.Mutex
	order  []string
	states map[string]State
}

// Open loads the attempt document from backend. A missing document yields
// an empty tracker.
func Open(backend snapshot.Backend, policy Policy, opts ...Option) (*Tracker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		backend: backend,
		policy:  policy,
		now:     time.Now,
		log:     logger.Nop(),
		states:  make(map[string]State),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.GetChildLogger("attempts")

	data, err := backend.Load(DocumentName)
	if errors.Is(err, snapshot.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("attempts: failed to load: %w", err)
	}

	order, states, err := snapshot.DecodeOrdered[State](data)
	if err != nil {
		return nil, fmt.Errorf("attempts: failed to parse %s: %w", DocumentName, err)
	}
	t.order = order
	t.states = states
	return t, nil
}

// Policy returns the lockout policy in effect.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// State returns the stored state of id and whether one exists.
func (t *Tracker) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	return st, ok
}

// Identifiers returns every identifier with stored state, in the order
// they were first recorded.
func (t *Tracker) Identifiers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.order)
}

// Status evaluates id at the current time. An expired lock is reset and
// persisted before the status is returned.
func (t *Tracker) Status(id string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(id)
}

// IsLocked reports whether id is inside an active lock window.
func (t *Tracker) IsLocked(id string) (bool, error) {
	st, err := t.Status(id)
	if err != nil {
		return false, err
	}
	return st.Locked(), nil
}

// RecordFailure counts one failed attempt for id and returns the attempts
// left. The failure that reaches MaxAttempts starts the lock.
func (t *Tracker) RecordFailure(id string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	prev, existed := t.states[id]

	next := prev
	next.Attempts++
	if next.Attempts >= t.policy.MaxAttempts && prev.Attempts < t.policy.MaxAttempts {
		next.LockTime = toEpoch(now)
		t.log.Warn().Str("id", logger.ShortID(id)).Int("attempts", next.Attempts).
			Dur("lock_duration", t.policy.LockDuration).Msg("identifier locked")
	}

	if err := t.setLocked(id, next, prev, existed); err != nil {
		return 0, err
	}
	return max(0, t.policy.MaxAttempts-next.Attempts), nil
}

// RecordSuccess resets id after a correct passkey.
func (t *Tracker) RecordSuccess(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, existed := t.states[id]
	return t.setLocked(id, State{}, prev, existed)
}

// Reauthorize clears the state of id if the tracker knows it. It reports
// whether id was known; an unknown id is left untouched.
func (t *Tracker) Reauthorize(id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, existed := t.states[id]
	if !existed {
		return false, nil
	}
	if err := t.setLocked(id, State{}, prev, existed); err != nil {
		return false, err
	}
	t.log.Info().Str("id", logger.ShortID(id)).Msg("identifier reauthorized")
	return true, nil
}

// RemainingLock returns the time left on the lock of id, or zero.
func (t *Tracker) RemainingLock(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		return 0
	}
	return Evaluate(st, t.now(), t.policy).Remaining
}

func (t *Tracker) statusLocked(id string) (Status, error) {
	st, existed := t.states[id]
	status := Evaluate(st, t.now(), t.policy)
	if status.Phase != PhaseExpired {
		return status, nil
	}

	if err := t.setLocked(id, State{}, st, existed); err != nil {
		return Status{}, err
	}
	t.log.Debug().Str("id", logger.ShortID(id)).Msg("lock expired")
	return Evaluate(State{}, t.now(), t.policy), nil
}

// setLocked stores next for id and persists, restoring prev if the write fails.
func (t *Tracker) setLocked(id string, next, prev State, existed bool) error {
	t.states[id] = next
	if !existed {
		t.order = append(t.order, id)
	}

	if err := t.persistLocked(); err != nil {
		if existed {
			t.states[id] = prev
		} else {
			delete(t.states, id)
			t.order = t.order[:len(t.order)-1]
		}
		return err
	}
	return nil
}

func (t *Tracker) persistLocked() error {
	data, err := snapshot.EncodeOrdered(t.order, t.states)
	if err != nil {
		return fmt.Errorf("attempts: failed to encode: %w", err)
	}
	if err := t.backend.Save(DocumentName, data); err != nil {
		return fmt.Errorf("attempts: failed to persist: %w", err)
	}
	return nil
}

// toEpoch converts t to fractional Unix seconds at microsecond precision,
// which survives a float64 round trip exactly.
func toEpoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromEpoch(secs float64) time.Time {
	return time.UnixMicro(int64(math.Round(secs * 1e6)))
}
