package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/health"
	"github.com/blackwell-systems/trustmonitor/internal/resources/resourcestest"
)

func newSampler(t *testing.T, opts resourcestest.Options) *Sampler {
	t.Helper()
	cfg := config.Default().Resources
	cfg.ProcRoot = resourcestest.Write(t, opts)
	cfg.DiskPath = t.TempDir()
	s, err := NewSampler(cfg)
	require.NoError(t, err)
	s.cpus = 2
	return s
}

func TestSampler_LoadAndMemory(t *testing.T) {
	s := newSampler(t, resourcestest.Options{Load1: 3.0, MemTotalKB: 1000, MemAvailable: 250})

	load1, perCPU, err := s.Load()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, load1, 0.001)
	assert.InDelta(t, 1.5, perCPU, 0.001)

	total, avail, used, err := s.Memory()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000*1024), total)
	assert.Equal(t, uint64(250*1024), avail)
	assert.InDelta(t, 75.0, used, 0.001)
}

func TestSampler_Sample(t *testing.T) {
	s := newSampler(t, resourcestest.Options{Load1: 0.5, MemTotalKB: 2048, MemAvailable: 1024})
	sample, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 2, sample.CPUs)
	assert.InDelta(t, 50.0, sample.MemUsedPercent, 0.001)
	assert.Greater(t, sample.DiskTotal, uint64(0))
	assert.GreaterOrEqual(t, sample.DiskUsedPercent, 0.0)
	assert.LessOrEqual(t, sample.DiskUsedPercent, 100.0)
}

func TestDisk_MissingPath(t *testing.T) {
	_, _, _, err := Disk("/definitely/not/here")
	assert.Error(t, err)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, health.OK, Level(10, 80, 90))
	assert.Equal(t, health.Warn, Level(80, 80, 90))
	assert.Equal(t, health.Error, Level(95, 80, 90))
}

func TestBreaches(t *testing.T) {
	cfg := config.Default().Resources
	sample := &Sample{
		LoadPerCPU:      cfg.LoadError + 1,
		MemTotal:        1,
		MemUsedPercent:  cfg.MemoryWarnPercent + 1,
		DiskTotal:       1,
		DiskUsedPercent: 10,
	}
	breaches := Breaches(cfg, sample)
	require.Len(t, breaches, 2)
	assert.Equal(t, "load", breaches[0].Resource)
	assert.Equal(t, health.Error, breaches[0].Status)
	assert.Equal(t, "memory", breaches[1].Resource)
	assert.Equal(t, health.Warn, breaches[1].Status)
	assert.Contains(t, breaches[1].String(), "memory")
}

func TestStuckProcesses(t *testing.T) {
	s := newSampler(t, resourcestest.Options{
		Load1:        0.1,
		MemTotalKB:   1000,
		MemAvailable: 900,
		Procs: []resourcestest.Proc{
			{PID: 300, Comm: "nfs-reader", State: "D"},
			{PID: 12, Comm: "sshd", State: "S"},
			{PID: 45, Comm: "dd", State: "D"},
		},
	})

	stuck, err := s.StuckProcesses()
	require.NoError(t, err)
	assert.Equal(t, []StuckProcess{{PID: 45, Comm: "dd"}, {PID: 300, Comm: "nfs-reader"}}, stuck)
}
