// Package audit keeps a tamper-evident trail of vault operations.
//
// Events are appended to monthly JSONL files (audit/YYYY-MM.jsonl). Each
// event carries an HMAC over its content and the HMAC of the event before
// it, so removing, reordering or editing a line breaks the chain. The chain
// head is kept in audit.meta between runs.
//
// Record identifiers are secrets in their own right (they are ciphertexts),
// so the trail only ever stores their keyed hash.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/lockbox/internal/logger"
	"github.com/forest6511/lockbox/pkg/snapshot"
)

// Operation types
const (
	OpRecordStore          = "record.store"
	OpRecordRetrieve       = "record.retrieve"
	OpRecordRetrieveDenied = "record.retrieve_denied"
	OpRecordLocked         = "record.locked"
	OpRecordReauthorize    = "record.reauthorize"
	OpRecordList           = "record.list"
	OpVaultBackup          = "vault.backup"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

const (
	schemaVersion = 1
	genesisHash   = "genesis"
	metaFileName  = "audit.meta"
	hkdfInfo      = "lockbox-audit-v1"

	// MinDiskSpace is the free space required before appending.
	MinDiskSpace = 1024 * 1024
)

var (
	// ErrKeyNotSet indicates SetKey has not been called.
	ErrKeyNotSet = errors.New("audit: HMAC key not set")

	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("audit: unsupported export format")
)

// Event is one line of the audit trail.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339, nanosecond precision

	Operation string `json:"op"`
	// Subject is the HMAC of the record identifier, if any.
	Subject   string `json:"subject,omitempty"`
	Source    string `json:"source"`
	SessionID string `json:"session"`

	Result  string         `json:"result"`
	Error   *ErrorInfo     `json:"error,omitempty"`
	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links an event to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Entry describes an event to append.
type Entry struct {
	Op      string
	Source  string
	Result  string
	Subject string // record identifier in clear; hashed before writing
	Error   *ErrorInfo
	Context map[string]any
}

// chainState is the persisted chain head.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock replaces time.Now for event timestamps and file rotation.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger used for disk warnings.
func WithLogger(log *logger.Logger) Option {
	return func(t *Trail) {
		if log != nil {
			t.log = log
		}
	}
}

// Trail appends and reads audit events in one directory.
type Trail struct {
	dir     string
	now     func() time.Time
	log     *logger.Logger
	session string

	mu       sync.Mutex
	key      []byte
	sequence int64
	prevHash string
}

// New returns a Trail rooted at dir. Nothing is written until a key is set
// and an event is recorded.
func New(dir string, opts ...Option) *Trail {
	t := &Trail{
		dir:      dir,
		now:      time.Now,
		log:      logger.Nop(),
		session:  uuid.NewString(),
		prevHash: genesisHash,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.GetChildLogger("audit")
	return t
}

// Dir returns the audit directory.
func (t *Trail) Dir() string {
	return t.dir
}

// SetKey derives the HMAC key from the vault data key with HKDF-SHA256 and
// loads the chain head left by earlier runs.
func (t *Trail) SetKey(dataKey []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := make([]byte, sha256.Size)
	if _, err := hkdf.New(sha256.New, dataKey, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	t.key = key

	if err := t.loadChainState(); err != nil {
		// First run, or the meta file was lost; Verify will report the gap.
		t.sequence = 0
		t.prevHash = genesisHash
	}
	return nil
}

// Record appends one event.
func (t *Trail) Record(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.key == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(t.dir, snapshot.DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := t.checkDiskSpace(); err != nil {
		return err
	}

	now := t.now().UTC()
	event := Event{
		Version:   schemaVersion,
		ID:        newEventID(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: e.Op,
		Source:    e.Source,
		SessionID: t.session,
		Result:    e.Result,
		Error:     e.Error,
		Context:   e.Context,
	}
	if e.Subject != "" {
		event.Subject = t.subjectHash(e.Subject)
	}

	event.Chain.Sequence = t.sequence + 1
	event.Chain.PrevHash = t.prevHash
	event.Chain.HMAC = t.sign(&event)

	if err := t.appendEvent(now, &event); err != nil {
		return err
	}
	t.sequence = event.Chain.Sequence
	t.prevHash = event.Chain.HMAC
	return t.saveChainState()
}

// Success records a successful operation.
func (t *Trail) Success(op, source, subject string) error {
	return t.Record(Entry{Op: op, Source: source, Result: ResultSuccess, Subject: subject})
}

// Failure records an operation that failed with an error code.
func (t *Trail) Failure(op, source, subject, code, msg string) error {
	return t.Record(Entry{
		Op: op, Source: source, Result: ResultError, Subject: subject,
		Error: &ErrorInfo{Code: code, Message: msg},
	})
}

// Denied records a refused operation.
func (t *Trail) Denied(op, source, subject string, ctx map[string]any) error {
	return t.Record(Entry{Op: op, Source: source, Result: ResultDenied, Subject: subject, Context: ctx})
}

// SubjectHash returns the keyed hash under which subject appears in the
// trail. Callers use it to look up events for a known identifier.
func (t *Trail) SubjectHash(subject string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subjectHash(subject)
}

func (t *Trail) subjectHash(subject string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}

// sign computes the chain HMAC of event. Every field except the HMAC itself
// is covered; context keys are sorted.
func (t *Trail) sign(event *Event) string {
	var ctx bytes.Buffer
	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&ctx, "%s=%v|", k, event.Context[k])
	}

	var errData string
	if event.Error != nil {
		errData = event.Error.Code + "|" + event.Error.Message
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Subject,
		event.Source,
		event.SessionID,
		event.Result,
		errData,
		ctx.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)

	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *Trail) appendEvent(now time.Time, event *Event) error {
	path := filepath.Join(t.dir, now.Format("2006-01")+".jsonl")

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, snapshot.FileMode)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (t *Trail) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(t.dir, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	t.sequence = state.Sequence
	t.prevHash = state.PrevHash
	return nil
}

func (t *Trail) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: t.sequence, PrevHash: t.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := snapshot.WriteFileAtomic(filepath.Join(t.dir, metaFileName), data, snapshot.FileMode); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// checkDiskSpace refuses to append when the disk is nearly out of space.
// A failing stat only logs a warning.
func (t *Trail) checkDiskSpace() error {
	info, err := snapshot.CheckDiskSpace(t.dir)
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to check disk space for audit")
		return nil
	}
	if info.Available < MinDiskSpace {
		return fmt.Errorf("audit: %w: only %d bytes available, need at least %d",
			snapshot.ErrInsufficientDisk, info.Available, MinDiskSpace)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every log file in order and checks sequence numbers, chain
// links and HMACs.
func (t *Trail) Verify() (*VerifyResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.key == nil {
		return nil, ErrKeyNotSet
	}

	events, err := t.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesisHash
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++
		ok := true

		if event.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(t.sign(event))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}

	return result, nil
}

// ListEvents returns events after since (zero means all), keeping only the
// most recent limit events when limit > 0.
func (t *Trail) ListEvents(limit int, since time.Time) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	events, err := t.readAll()
	if err != nil {
		return nil, err
	}
	events = filterEvents(events, since, time.Time{})

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readAll returns every event from every log file, oldest first. The
// YYYY-MM file names sort chronologically.
func (t *Trail) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(t.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// filterEvents keeps events with since < ts <= until. Zero bounds are open.
// Events with unparsable timestamps are dropped.
func filterEvents(events []Event, since, until time.Time) []Event {
	if since.IsZero() && until.IsZero() {
		return events
	}
	var out []Event
	for _, event := range events {
		ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			continue
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}
		if !until.IsZero() && ts.After(until) {
			continue
		}
		out = append(out, event)
	}
	return out
}

// newEventID returns a time-ordered UUIDv7.
func newEventID() string {
	return uuid.Must(uuid.NewV7()).String()
}
