package snapshots

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

func TestRestoreSnapshot(t *testing.T) {
	m, fx, _ := newTestManager(t)

	snap, err := m.Create(Critical, "known good")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	fx.Tamper(t, "hardware/sensor_monitor.py", "# MALICIOUS SENSOR CODE\n")
	os.Remove(filepath.Join(fx.Root, "main.py"))

	v := trust.NewVerifier(fx.Cfg, zap.NewNop())
	if report, _ := v.Verify(); report.OK() {
		t.Fatal("tampered tree should not verify")
	}

	result, err := m.Restore(snap)
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if len(result.Restored) != len(snap.Files) {
		t.Errorf("restored %d files, want %d", len(result.Restored), len(snap.Files))
	}

	report, err := v.Verify()
	if err != nil {
		t.Fatalf("Verify() after restore: %v", err)
	}
	if !report.OK() {
		t.Errorf("restored tree should verify, failed paths: %v", report.FailedPaths())
	}
}

func TestRestoreSnapshot_RefusesDamagedCopy(t *testing.T) {
	m, fx, _ := newTestManager(t)

	snap, err := m.Create(Critical, "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	damaged := filepath.Join(snap.Dir, filesDir, "config", "device.conf")
	if err := os.WriteFile(damaged, []byte("interval=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	fx.Tamper(t, "main.py", "import os\n")

	if _, err := m.Restore(snap); err == nil {
		t.Fatal("Restore() should refuse a snapshot with a damaged copy")
	}

	// nothing was written back
	live, _ := os.ReadFile(filepath.Join(fx.Root, "main.py"))
	if string(live) == "from hardware import sensor_monitor\n" {
		t.Error("Restore() wrote files despite a damaged snapshot")
	}
}

func TestRestoreSnapshot_Empty(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Restore(&Snapshot{Name: "empty"}); err == nil {
		t.Error("Restore() of an empty snapshot should fail")
	}
}
