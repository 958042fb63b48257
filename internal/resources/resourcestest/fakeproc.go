// Package resourcestest writes minimal /proc trees for tests.
package resourcestest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Proc describes one fake process.
type Proc struct {
	PID   int
	Comm  string
	State string
}

// Options describe the fake /proc contents. Memory values are kB.
type Options struct {
	Load1        float64
	MemTotalKB   uint64
	MemAvailable uint64
	Procs        []Proc
}

// Write creates a proc tree under a temp dir and returns its path.
func Write(t testing.TB, opts Options) string {
	t.Helper()
	root := t.TempDir()
	write(t, filepath.Join(root, "loadavg"),
		fmt.Sprintf("%.2f 0.40 0.30 1/120 4242\n", opts.Load1))
	write(t, filepath.Join(root, "meminfo"), fmt.Sprintf(
		"MemTotal:       %d kB\nMemFree:        %d kB\nMemAvailable:   %d kB\n",
		opts.MemTotalKB, opts.MemAvailable/2, opts.MemAvailable))
	for _, p := range opts.Procs {
		dir := filepath.Join(root, fmt.Sprint(p.PID))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("fake proc: %v", err)
		}
		write(t, filepath.Join(dir, "stat"), fmt.Sprintf(
			"%d (%s) %s 1 %d %d 0 -1 4194304 82 0 0 0 0 0 0 0 20 0 1 0 135231 2703360 335 "+
				"18446744073709551615 94131634610176 94131634630057 140733174515936 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 "+
				"94131634646064 94131634647680 94131905871872 140733174522809 140733174522829 140733174522829 140733174525931 0\n",
			p.PID, p.Comm, p.State, p.PID, p.PID))
	}
	return root
}

func write(t testing.TB, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("fake proc: %v", err)
	}
}
