package store

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// TestListWatchdogRecords_NoSchema_ReturnsErrNotInitialized verifies that
// querying a fresh DB (no CreateSchema) returns ErrNotInitialized.
func TestListWatchdogRecords_NoSchema_ReturnsErrNotInitialized(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	_, err = s.ListWatchdogRecords()
	if err == nil {
		t.Fatal("ListWatchdogRecords() should return an error on uninitialized DB")
	}
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListWatchdogRecords() error = %v; want errors.Is(err, ErrNotInitialized)", err)
	}
}

func TestGetWatchdogRecord_NoSchema_ReturnsErrNotInitialized(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	_, err = s.GetWatchdogRecord("trustmonitor")
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetWatchdogRecord() error = %v; want errors.Is(err, ErrNotInitialized)", err)
	}
}

func TestErrNotInitialized_ErrorMessage(t *testing.T) {
	if !strings.Contains(ErrNotInitialized.Error(), "trustmonitor") {
		t.Errorf("ErrNotInitialized message %q should name the command to run", ErrNotInitialized.Error())
	}
}

// Helper function to create an in-memory store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateSchemaIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateSchema(); err != nil {
		t.Fatalf("second CreateSchema() failed: %v", err)
	}
}

func TestWatchdogRecordUpsert(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rec := &WatchdogRecord{
		Service:     "trustmonitor",
		LastStatus:  "inactive",
		LastCheckAt: now,
	}
	if err := store.UpsertWatchdogRecord(rec); err != nil {
		t.Fatalf("UpsertWatchdogRecord() failed: %v", err)
	}

	got, err := store.GetWatchdogRecord("trustmonitor")
	if err != nil {
		t.Fatalf("GetWatchdogRecord() failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetWatchdogRecord() returned nil")
	}
	if got.LastActionAt != nil {
		t.Errorf("LastActionAt = %v, want nil", got.LastActionAt)
	}
	if !got.LastCheckAt.Equal(now) {
		t.Errorf("LastCheckAt = %v, want %v", got.LastCheckAt, now)
	}

	actionAt := now.Add(time.Minute)
	rec.ConsecutiveFailures = 2
	rec.LastAction = "restart"
	rec.LastActionAt = &actionAt
	if err := store.UpsertWatchdogRecord(rec); err != nil {
		t.Fatalf("second UpsertWatchdogRecord() failed: %v", err)
	}

	got, _ = store.GetWatchdogRecord("trustmonitor")
	if got.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got.ConsecutiveFailures)
	}
	if got.LastAction != "restart" {
		t.Errorf("LastAction = %q, want restart", got.LastAction)
	}
	if got.LastActionAt == nil || !got.LastActionAt.Equal(actionAt) {
		t.Errorf("LastActionAt = %v, want %v", got.LastActionAt, actionAt)
	}

	records, err := store.ListWatchdogRecords()
	if err != nil {
		t.Fatalf("ListWatchdogRecords() failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("ListWatchdogRecords() returned %d records, want 1", len(records))
	}
}

func TestGetWatchdogRecordMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetWatchdogRecord("nope")
	if err != nil {
		t.Fatalf("GetWatchdogRecord() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetWatchdogRecord() = %+v, want nil", got)
	}
}

func TestWatchdogAttempts(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// attempts need the parent service row
	err := store.InsertWatchdogAttempt(&WatchdogAttempt{Service: "ghost", Attempt: 1, Action: "restart", At: now})
	if err == nil {
		t.Error("InsertWatchdogAttempt() for unknown service should fail")
	}

	store.UpsertWatchdogRecord(&WatchdogRecord{Service: "svc", LastStatus: "inactive", LastCheckAt: now})
	for i := 1; i <= 3; i++ {
		a := &WatchdogAttempt{Service: "svc", Attempt: i, Action: "restart", Success: i == 3, At: now}
		if i < 3 {
			a.Error = "exit status 1"
		}
		if err := store.InsertWatchdogAttempt(a); err != nil {
			t.Fatalf("InsertWatchdogAttempt(%d) failed: %v", i, err)
		}
	}

	n, err := store.CountWatchdogAttempts("svc", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountWatchdogAttempts() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("CountWatchdogAttempts() = %d, want 3", n)
	}
	n, _ = store.CountWatchdogAttempts("svc", now.Add(time.Hour))
	if n != 0 {
		t.Errorf("CountWatchdogAttempts(future) = %d, want 0", n)
	}
}

func TestWatchdogEvents(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	store.InsertWatchdogEvent(&WatchdogEvent{At: now, Kind: "resource", Subject: "disk", Message: "disk 91% used"})
	store.InsertWatchdogEvent(&WatchdogEvent{At: now, Kind: "stuck", Subject: "pid 42", Message: "uninterruptible sleep"})

	events, err := store.ListWatchdogEvents(10)
	if err != nil {
		t.Fatalf("ListWatchdogEvents() failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListWatchdogEvents() returned %d events, want 2", len(events))
	}
	if events[0].Kind != "stuck" {
		t.Errorf("events[0].Kind = %q, want newest first", events[0].Kind)
	}

	events, _ = store.ListWatchdogEvents(1)
	if len(events) != 1 {
		t.Errorf("ListWatchdogEvents(1) returned %d events", len(events))
	}
}

func TestHealthReports(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.LatestHealthReport()
	if err != nil || latest != nil {
		t.Fatalf("LatestHealthReport() on empty store = %v, %v", latest, err)
	}

	old := time.Now().Add(-48 * time.Hour)
	store.InsertHealthReport(&HealthReport{At: old, Overall: "OK", Checks: []CheckEntry{}})

	report := &HealthReport{
		At:      time.Now(),
		Overall: "WARN",
		Warn:    []string{"sensor"},
		Checks: []CheckEntry{
			{Name: "cpu", Status: "OK", Message: "load 0.20"},
			{Name: "sensor", Status: "WARN", Message: "temperature 41.0C"},
		},
		Duration: 1500 * time.Millisecond,
	}
	id, err := store.InsertHealthReport(report)
	if err != nil {
		t.Fatalf("InsertHealthReport() failed: %v", err)
	}

	latest, err = store.LatestHealthReport()
	if err != nil {
		t.Fatalf("LatestHealthReport() failed: %v", err)
	}
	if latest.ID != id {
		t.Errorf("latest ID = %d, want %d", latest.ID, id)
	}
	if latest.Overall != "WARN" {
		t.Errorf("Overall = %q, want WARN", latest.Overall)
	}
	if len(latest.Checks) != 2 || latest.Checks[1].Name != "sensor" {
		t.Errorf("Checks = %+v", latest.Checks)
	}
	if len(latest.Warn) != 1 || latest.Warn[0] != "sensor" {
		t.Errorf("Warn = %v, want [sensor]", latest.Warn)
	}
	if latest.Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", latest.Duration)
	}

	n, err := store.PruneHealthReports(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneHealthReports() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneHealthReports() removed %d, want 1", n)
	}
}

func TestBootEvents(t *testing.T) {
	store := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)

	if err := store.InsertBootEvent(&BootEvent{BootID: "b1", StartedAt: start, State: "BOOTING"}); err != nil {
		t.Fatalf("InsertBootEvent() failed: %v", err)
	}
	if err := store.FinishBootEvent("b1", "HALTED", "integrity check failed", []string{"main.py"}); err != nil {
		t.Fatalf("FinishBootEvent() failed: %v", err)
	}
	if err := store.FinishBootEvent("missing", "HEALTHY", "", nil); err == nil {
		t.Error("FinishBootEvent() for unknown boot should fail")
	}

	events, err := store.ListBootEvents(5)
	if err != nil {
		t.Fatalf("ListBootEvents() failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ListBootEvents() returned %d, want 1", len(events))
	}
	e := events[0]
	if e.State != "HALTED" || e.FinishedAt == nil {
		t.Errorf("boot event = %+v, want finished HALTED", e)
	}
	if len(e.FailedPaths) != 1 || e.FailedPaths[0] != "main.py" {
		t.Errorf("FailedPaths = %v, want [main.py]", e.FailedPaths)
	}
}

func TestSnapshotAudit(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i, name := range []string{"20260101_000000", "20260102_000000"} {
		_, err := store.InsertSnapshot(&SnapshotRecord{
			Category:  "critical",
			Name:      name,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			FileCount: 2,
			Path:      "/var/lib/trustmonitor/backups/critical/" + name,
			Reason:    "manual",
		})
		if err != nil {
			t.Fatalf("InsertSnapshot(%s) failed: %v", name, err)
		}
	}
	store.InsertSnapshot(&SnapshotRecord{Category: "demo", Name: "20260103_000000", CreatedAt: base, Path: "/x"})

	if _, err := store.InsertSnapshot(&SnapshotRecord{Category: "critical", Name: "20260101_000000", CreatedAt: base, Path: "/y"}); err == nil {
		t.Error("duplicate (category, name) should be rejected")
	}

	records, err := store.ListSnapshots("critical")
	if err != nil {
		t.Fatalf("ListSnapshots() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListSnapshots(critical) returned %d, want 2", len(records))
	}
	if records[0].Name != "20260102_000000" {
		t.Errorf("records[0].Name = %q, want newest first", records[0].Name)
	}

	all, _ := store.ListSnapshots("")
	if len(all) != 3 {
		t.Errorf("ListSnapshots(\"\") returned %d, want 3", len(all))
	}

	if err := store.MarkSnapshotPruned("critical", "20260101_000000", base); err != nil {
		t.Fatalf("MarkSnapshotPruned() failed: %v", err)
	}
	records, _ = store.ListSnapshots("critical")
	if records[1].PrunedAt == nil {
		t.Error("pruned snapshot should have PrunedAt set")
	}
	if records[0].PrunedAt != nil {
		t.Error("unpruned snapshot should have nil PrunedAt")
	}
}

func TestLifecycle(t *testing.T) {
	store := newTestStore(t)

	prev, err := store.MarkStarted("monitor", 100)
	if err != nil {
		t.Fatalf("MarkStarted() failed: %v", err)
	}
	if prev != nil {
		t.Errorf("first MarkStarted() previous = %+v, want nil", prev)
	}

	// started again without a stop: previous run crashed
	prev, _ = store.MarkStarted("monitor", 101)
	if !prev.Crashed() {
		t.Error("previous run without MarkStopped should report Crashed()")
	}

	if err := store.MarkStopped("monitor"); err != nil {
		t.Fatalf("MarkStopped() failed: %v", err)
	}
	rec, _ := store.GetLifecycle("monitor")
	if rec.PID != 101 || !rec.Clean || rec.StoppedAt == nil {
		t.Errorf("lifecycle = %+v, want clean stop for pid 101", rec)
	}

	prev, _ = store.MarkStarted("monitor", 102)
	if prev.Crashed() {
		t.Error("previous run with MarkStopped should not report Crashed()")
	}
}
