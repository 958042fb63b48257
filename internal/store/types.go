package store

import "time"

// WatchdogRecord is the per-service watchdog state. ConsecutiveFailures
// counts ticks in a row that ended with the service down and resets to
// zero whenever the service is observed active.
type WatchdogRecord struct {
	Service             string
	LastStatus          string
	ConsecutiveFailures int
	LastAction          string
	LastActionAt        *time.Time
	LastCheckAt         time.Time
}

// WatchdogAttempt is one remediation attempt.
type WatchdogAttempt struct {
	Service string
	Attempt int
	Action  string
	Success bool
	Error   string
	At      time.Time
}

// WatchdogEvent is a noteworthy watchdog observation: a resource threshold
// breach, a stuck process, or a service given up on.
type WatchdogEvent struct {
	ID      int64
	At      time.Time
	Kind    string
	Subject string
	Message string
}

// CheckEntry is one check's result inside a health report.
type CheckEntry struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthReport is one monitor tick.
type HealthReport struct {
	ID       int64
	At       time.Time
	Overall  string
	Warn     []string
	Error    []string
	Checks   []CheckEntry
	Duration time.Duration
}

// BootEvent records one boot attempt.
type BootEvent struct {
	BootID      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	State       string
	Reason      string
	FailedPaths []string
}

// SnapshotRecord is the audit row for a backup snapshot. The row survives
// pruning with PrunedAt set.
type SnapshotRecord struct {
	ID        int64
	Category  string
	Name      string
	CreatedAt time.Time
	FileCount int
	Path      string
	Reason    string
	PrunedAt  *time.Time
}

// LifecycleRecord tracks whether a long-running component stopped cleanly.
type LifecycleRecord struct {
	Component string
	PID       int
	StartedAt time.Time
	StoppedAt *time.Time
	Clean     bool
}

// Crashed reports whether the component was started and never recorded a
// clean stop.
func (r *LifecycleRecord) Crashed() bool {
	return r != nil && !r.Clean
}
