// Package resources samples load, memory and disk usage and scans the
// process table for stuck processes.
package resources

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/health"
)

// Sample is one reading of all resources. Memory and disk sizes are bytes.
type Sample struct {
	At              time.Time
	Load1           float64
	CPUs            int
	LoadPerCPU      float64
	MemTotal        uint64
	MemAvailable    uint64
	MemUsedPercent  float64
	DiskPath        string
	DiskTotal       uint64
	DiskFree        uint64
	DiskUsedPercent float64
	// Failed names the readings that could not be taken: load, memory or
	// disk. Their fields are zero.
	Failed []string
}

// Sampler reads /proc (or a copy of it) and statfs.
type Sampler struct {
	fs       procfs.FS
	diskPath string
	cpus     int
}

// NewSampler opens the proc filesystem at cfg.ProcRoot.
func NewSampler(cfg config.ResourcesConfig) (*Sampler, error) {
	fs, err := procfs.NewFS(cfg.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.ProcRoot, err)
	}
	return &Sampler{fs: fs, diskPath: cfg.DiskPath, cpus: runtime.NumCPU()}, nil
}

// Load returns the one-minute load average and that value divided by the
// CPU count.
func (s *Sampler) Load() (load1, perCPU float64, err error) {
	avg, err := s.fs.LoadAvg()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read load average: %w", err)
	}
	cpus := s.cpus
	if cpus < 1 {
		cpus = 1
	}
	return avg.Load1, avg.Load1 / float64(cpus), nil
}

// Memory returns total and available memory in bytes and the percent in
// use. Kernels without MemAvailable fall back to MemFree.
func (s *Sampler) Memory() (total, available uint64, usedPercent float64, err error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, 0, 0, errors.New("meminfo has no MemTotal")
	}
	total = *mi.MemTotal * 1024
	switch {
	case mi.MemAvailable != nil:
		available = *mi.MemAvailable * 1024
	case mi.MemFree != nil:
		available = *mi.MemFree * 1024
	}
	usedPercent = 100 * (1 - float64(available)/float64(total))
	return total, available, usedPercent, nil
}

// Disk returns the size of the filesystem holding path, the bytes
// available to unprivileged users, and the percent in use.
func Disk(path string) (total, free uint64, usedPercent float64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total = st.Blocks * bsize
	free = st.Bavail * bsize
	if total == 0 {
		return 0, 0, 0, nil
	}
	usedPercent = 100 * (1 - float64(free)/float64(total))
	return total, free, usedPercent, nil
}

// Sample reads every resource. Partial results are returned alongside the
// joined errors of the readings that failed.
func (s *Sampler) Sample() (*Sample, error) {
	out := &Sample{At: time.Now(), CPUs: s.cpus, DiskPath: s.diskPath}
	var errs []error

	var err error
	if out.Load1, out.LoadPerCPU, err = s.Load(); err != nil {
		errs = append(errs, err)
		out.Failed = append(out.Failed, "load")
	}
	if out.MemTotal, out.MemAvailable, out.MemUsedPercent, err = s.Memory(); err != nil {
		errs = append(errs, err)
		out.Failed = append(out.Failed, "memory")
	}
	if out.DiskTotal, out.DiskFree, out.DiskUsedPercent, err = Disk(s.diskPath); err != nil {
		errs = append(errs, err)
		out.Failed = append(out.Failed, "disk")
	}
	return out, errors.Join(errs...)
}

// Level grades value against warn and error thresholds.
func Level(value, warn, errLimit float64) health.Status {
	switch {
	case value >= errLimit:
		return health.Error
	case value >= warn:
		return health.Warn
	}
	return health.OK
}

// Breach is a resource over its warn or error threshold.
type Breach struct {
	Resource  string
	Value     float64
	Threshold float64
	Status    health.Status
}

func (b Breach) String() string {
	return fmt.Sprintf("%s %.2f >= %.2f (%s)", b.Resource, b.Value, b.Threshold, b.Status)
}

// Breaches lists the resources in sample at or above their thresholds.
func Breaches(cfg config.ResourcesConfig, sample *Sample) []Breach {
	var out []Breach
	check := func(name string, value, warn, errLimit float64) {
		switch Level(value, warn, errLimit) {
		case health.Error:
			out = append(out, Breach{Resource: name, Value: value, Threshold: errLimit, Status: health.Error})
		case health.Warn:
			out = append(out, Breach{Resource: name, Value: value, Threshold: warn, Status: health.Warn})
		}
	}
	check("load", sample.LoadPerCPU, cfg.LoadWarn, cfg.LoadError)
	if sample.MemTotal > 0 {
		check("memory", sample.MemUsedPercent, cfg.MemoryWarnPercent, cfg.MemoryErrorPercent)
	}
	if sample.DiskTotal > 0 {
		check("disk", sample.DiskUsedPercent, cfg.DiskWarnPercent, cfg.DiskErrorPercent)
	}
	return out
}

// StuckProcess is a process in uninterruptible sleep.
type StuckProcess struct {
	PID  int
	Comm string
}

// StuckProcesses returns processes whose state is D, ordered by PID.
// Processes that exit during the scan are skipped.
func (s *Sampler) StuckProcesses() ([]StuckProcess, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	var stuck []StuckProcess
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		if stat.State == "D" {
			stuck = append(stuck, StuckProcess{PID: stat.PID, Comm: stat.Comm})
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].PID < stuck[j].PID })
	return stuck, nil
}
