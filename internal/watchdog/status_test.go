package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/trustmonitor/internal/health"
)

func TestStatusRecord_Marshal(t *testing.T) {
	rec := &StatusRecord{
		Status:     health.Warn,
		LastCheck:  time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC),
		LastAction: "restarted trustmonitor\n(attempt 2)",
		Extra:      map[string]string{"stuck_processes": "1", "breaches": "disk"},
	}
	want := "status=WARN\n" +
		"last_check=2026-05-01T08:30:00Z\n" +
		"last_action=restarted trustmonitor (attempt 2)\n" +
		"breaches=disk\n" +
		"stuck_processes=1\n"
	assert.Equal(t, want, string(rec.Marshal()))
}

func TestReadStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.status")
	content := "# written by trustmonitor\n" +
		"\n" +
		"status=ERROR\n" +
		"last_check=2026-05-01T08:30:00Z\n" +
		"last_action=restart of svc failed after 3 attempts\n" +
		"=orphan\n" +
		"garbage line\n" +
		"failed_services=svc\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rec, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, health.Error, rec.Status)
	assert.Equal(t, "restart of svc failed after 3 attempts", rec.LastAction)
	assert.Equal(t, map[string]string{"failed_services": "svc"}, rec.Extra)
}

func TestReadStatus_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadStatus(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))

	noStatus := filepath.Join(dir, "nostatus")
	require.NoError(t, os.WriteFile(noStatus, []byte("last_action=none\n"), 0644))
	_, err = ReadStatus(noStatus)
	assert.Error(t, err)

	badTime := filepath.Join(dir, "badtime")
	require.NoError(t, os.WriteFile(badTime, []byte("status=OK\nlast_check=yesterday\n"), 0644))
	_, err = ReadStatus(badTime)
	assert.Error(t, err)
}

func TestWriteStatus_Atomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "watchdog.status")
	rec := &StatusRecord{Status: health.OK, LastCheck: time.Now(), LastAction: "none"}
	require.NoError(t, WriteStatus(path, rec))

	got, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, health.OK, got.Status)

	entries, _ := os.ReadDir(filepath.Dir(path))
	assert.Len(t, entries, 1, "no temp files left behind")
}
