package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/lockbox/internal/testutil"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestTrail(t *testing.T) (*Trail, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	trail := New(t.TempDir(), WithClock(clock.Now))
	if err := trail.SetKey(testKey()); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	return trail, clock
}

func readLines(t *testing.T, path string) []Event {
	t.Helper()
	events, err := readLogFile(path)
	if err != nil {
		t.Fatalf("readLogFile failed: %v", err)
	}
	return events
}

func TestRecordWithoutKey(t *testing.T) {
	trail := New(t.TempDir())
	err := trail.Success(OpRecordStore, SourceCLI, "id")
	if !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("expected ErrKeyNotSet, got %v", err)
	}
	if _, err := trail.Verify(); !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("expected ErrKeyNotSet from Verify, got %v", err)
	}
}

func TestSuccess(t *testing.T) {
	trail, _ := newTestTrail(t)

	if err := trail.Success(OpRecordStore, SourceCLI, "secret-identifier"); err != nil {
		t.Fatalf("Success failed: %v", err)
	}

	path := filepath.Join(trail.Dir(), "2026-03.jsonl")
	events := readLines(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]

	if event.Version != 1 {
		t.Errorf("expected version 1, got %d", event.Version)
	}
	if event.Operation != OpRecordStore {
		t.Errorf("expected op %s, got %s", OpRecordStore, event.Operation)
	}
	if event.Result != ResultSuccess || event.Source != SourceCLI {
		t.Errorf("unexpected result/source: %s/%s", event.Result, event.Source)
	}
	if event.Chain.Sequence != 1 || event.Chain.PrevHash != "genesis" {
		t.Errorf("unexpected chain: %+v", event.Chain)
	}
	if event.Timestamp != "2026-03-15T12:00:00Z" {
		t.Errorf("unexpected timestamp %s", event.Timestamp)
	}
}

func TestSubjectNeverInClear(t *testing.T) {
	trail, _ := newTestTrail(t)
	const id = "gAAAAABsecret-token-value"

	if err := trail.Failure(OpRecordRetrieveDenied, SourceMCP, id, "WRONG_PASSKEY", "wrong passkey"); err != nil {
		t.Fatalf("Failure failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(trail.Dir(), "2026-03.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), id) {
		t.Error("identifier written in clear")
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Subject != trail.SubjectHash(id) {
		t.Error("subject is not the keyed hash of the identifier")
	}
	if event.Error == nil || event.Error.Code != "WRONG_PASSKEY" {
		t.Errorf("unexpected error info: %+v", event.Error)
	}
}

func TestChainAcrossRestartAndMonths(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC))

	first := New(dir, WithClock(clock.Now))
	if err := first.SetKey(testKey()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := first.Success(OpRecordList, SourceCLI, ""); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(2 * time.Minute)
	second := New(dir, WithClock(clock.Now))
	if err := second.SetKey(testKey()); err != nil {
		t.Fatal(err)
	}
	if err := second.Denied(OpRecordLocked, SourceCLI, "id", map[string]any{"remaining": "05:00"}); err != nil {
		t.Fatal(err)
	}

	feb := readLines(t, filepath.Join(dir, "2026-02.jsonl"))
	if len(feb) != 1 || feb[0].Chain.Sequence != 4 {
		t.Fatalf("expected sequence 4 in February file, got %+v", feb)
	}

	result, err := second.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal != 4 || result.RecordsVerified != 4 {
		t.Errorf("unexpected verify result: %+v", result)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail, _ := newTestTrail(t)
	for i := 0; i < 3; i++ {
		if err := trail.Success(OpRecordStore, SourceCLI, "id"); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(trail.Dir(), "2026-03.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"result":"success"`, `"result":"denied"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	result, err := trail.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("expected tampered log to be invalid")
	}
	if result.RecordsVerified != 2 {
		t.Errorf("expected 2 verified records, got %d", result.RecordsVerified)
	}
}

func TestVerifyDetectsDeletion(t *testing.T) {
	trail, _ := newTestTrail(t)
	for i := 0; i < 3; i++ {
		if err := trail.Success(OpRecordStore, SourceCLI, "id"); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(trail.Dir(), "2026-03.jsonl")
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	kept := lines[0] + "\n" + lines[2] + "\n"
	if err := os.WriteFile(path, []byte(kept), 0600); err != nil {
		t.Fatal(err)
	}

	result, err := trail.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("expected deletion to break the chain")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	trail, _ := newTestTrail(t)
	if err := trail.Success(OpRecordStore, SourceCLI, "id"); err != nil {
		t.Fatal(err)
	}

	other := New(trail.Dir())
	if err := other.SetKey(make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	result, err := other.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("expected verification with a different key to fail")
	}
}

func TestListEvents(t *testing.T) {
	trail, clock := newTestTrail(t)
	start := clock.Now()
	for i := 0; i < 5; i++ {
		if err := trail.Success(OpRecordList, SourceCLI, ""); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	all, err := trail.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}

	last, err := trail.ListEvents(2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[1].Chain.Sequence != 5 {
		t.Errorf("expected the two most recent events, got %+v", last)
	}

	since, err := trail.ListEvents(0, start.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 events after since, got %d", len(since))
	}
}

func TestListEventsEmpty(t *testing.T) {
	trail := New(t.TempDir())
	events, err := trail.ListEvents(10, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestEventIDs(t *testing.T) {
	trail, _ := newTestTrail(t)

	for i := 0; i < 3; i++ {
		if err := trail.Success(OpRecordList, SourceCLI, ""); err != nil {
			t.Fatalf("Success failed: %v", err)
		}
	}

	events := readLines(t, filepath.Join(trail.Dir(), "2026-03.jsonl"))
	seen := make(map[string]bool)
	for _, e := range events {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			t.Fatalf("event ID %q is not a UUID: %v", e.ID, err)
		}
		if id.Version() != 7 {
			t.Errorf("expected UUIDv7, got version %d", id.Version())
		}
		if seen[e.ID] {
			t.Errorf("duplicate event ID %s", e.ID)
		}
		seen[e.ID] = true

		if e.SessionID != events[0].SessionID {
			t.Error("events of one trail must share a session ID")
		}
	}
}
