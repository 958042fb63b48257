package daemon

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

// exited reports whether pid is gone or a zombie waiting to be reaped.
func exited(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	i := strings.LastIndexByte(string(data), ')')
	return i < 0 || i+2 >= len(data) || data[i+2] == 'Z'
}

func waitForPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.HasSuffix(string(data), "\n") {
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				t.Fatalf("bad pid file: %v", err)
			}
			return pid
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child never wrote its PID")
	return 0
}

func TestGroupCommand_KillsGrandchildren(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := `(trap "" TERM; exec sleep 47.321) & echo $! > ` + pidFile + `; wait`

	ctx, cancel := context.WithCancel(context.Background())
	cmd := GroupCommand(ctx, 100*time.Millisecond, "/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	child := waitForPID(t, pidFile)

	cancel()
	cmd.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for !exited(child) {
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d survived cancellation", child)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGroupCommand_NormalExit(t *testing.T) {
	out, err := GroupCommand(context.Background(), time.Second, "/bin/sh", "-c", "echo ok").Output()
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if string(out) != "ok\n" {
		t.Errorf("output = %q, want %q", out, "ok\n")
	}
}
