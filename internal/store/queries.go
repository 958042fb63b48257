package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Watchdog operations

// UpsertWatchdogRecord inserts or replaces a service record.
func (s *Store) UpsertWatchdogRecord(rec *WatchdogRecord) error {
	query := `
		INSERT OR REPLACE INTO watchdog_services
		(service, last_status, consecutive_failures, last_action, last_action_at, last_check_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		rec.Service,
		rec.LastStatus,
		rec.ConsecutiveFailures,
		rec.LastAction,
		formatOptional(rec.LastActionAt),
		rec.LastCheckAt.UTC().Format(time.RFC3339),
	)
	return wrapErr(fmt.Sprintf("failed to save watchdog record %s", rec.Service), err)
}

// GetWatchdogRecord returns the record for service, or nil if none exists.
func (s *Store) GetWatchdogRecord(service string) (*WatchdogRecord, error) {
	query := `
		SELECT service, last_status, consecutive_failures, last_action, last_action_at, last_check_at
		FROM watchdog_services
		WHERE service = ?
	`
	rec, err := scanWatchdogRecord(s.db.QueryRow(query, service))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to get watchdog record %s", service), err)
	}
	return rec, nil
}

// ListWatchdogRecords returns all service records ordered by name.
func (s *Store) ListWatchdogRecords() ([]*WatchdogRecord, error) {
	rows, err := s.db.Query(`
		SELECT service, last_status, consecutive_failures, last_action, last_action_at, last_check_at
		FROM watchdog_services
		ORDER BY service
	`)
	if err != nil {
		return nil, wrapErr("failed to list watchdog records", err)
	}
	defer rows.Close()

	var records []*WatchdogRecord
	for rows.Next() {
		rec, err := scanWatchdogRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watchdog record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchdog records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWatchdogRecord(row scanner) (*WatchdogRecord, error) {
	var rec WatchdogRecord
	var lastAction, lastActionAt sql.NullString
	var lastCheckAt string
	if err := row.Scan(&rec.Service, &rec.LastStatus, &rec.ConsecutiveFailures, &lastAction, &lastActionAt, &lastCheckAt); err != nil {
		return nil, err
	}
	rec.LastAction = lastAction.String
	var err error
	if rec.LastActionAt, err = parseOptional(lastActionAt); err != nil {
		return nil, err
	}
	if rec.LastCheckAt, err = time.Parse(time.RFC3339, lastCheckAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_check_at for %s: %w", rec.Service, err)
	}
	return &rec, nil
}

// InsertWatchdogAttempt records a remediation attempt. The service record
// must exist.
func (s *Store) InsertWatchdogAttempt(a *WatchdogAttempt) error {
	_, err := s.db.Exec(`
		INSERT INTO watchdog_attempts (service, attempt, action, success, error, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Service, a.Attempt, a.Action, a.Success, a.Error, a.At.UTC().Format(time.RFC3339))
	return wrapErr(fmt.Sprintf("failed to insert attempt for %s", a.Service), err)
}

// CountWatchdogAttempts returns the number of attempts recorded for service
// since the given time.
func (s *Store) CountWatchdogAttempts(service string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM watchdog_attempts WHERE service = ? AND at >= ?
	`, service, since.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return 0, wrapErr("failed to count attempts", err)
	}
	return n, nil
}

// InsertWatchdogEvent records a watchdog observation.
func (s *Store) InsertWatchdogEvent(e *WatchdogEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO watchdog_events (at, kind, subject, message) VALUES (?, ?, ?, ?)
	`, e.At.UTC().Format(time.RFC3339), e.Kind, e.Subject, e.Message)
	return wrapErr("failed to insert watchdog event", err)
}

// ListWatchdogEvents returns the most recent events, newest first.
func (s *Store) ListWatchdogEvents(limit int) ([]*WatchdogEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, at, kind, subject, message FROM watchdog_events
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrapErr("failed to list watchdog events", err)
	}
	defer rows.Close()

	var events []*WatchdogEvent
	for rows.Next() {
		var e WatchdogEvent
		var at string
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.Subject, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan watchdog event: %w", err)
		}
		e.Message = msg.String
		if e.At, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("failed to parse event time: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Health report operations

// InsertHealthReport stores one monitor tick and returns its ID.
func (s *Store) InsertHealthReport(r *HealthReport) (int64, error) {
	checks, err := json.Marshal(r.Checks)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checks: %w", err)
	}
	warn, _ := json.Marshal(r.Warn)
	errs, _ := json.Marshal(r.Error)

	res, err := s.db.Exec(`
		INSERT INTO health_reports (at, overall, warn, error, checks, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.At.UTC().Format(time.RFC3339), r.Overall, string(warn), string(errs), string(checks), r.Duration.Milliseconds())
	if err != nil {
		return 0, wrapErr("failed to insert health report", err)
	}
	return res.LastInsertId()
}

// LatestHealthReport returns the newest report, or nil if none exists.
func (s *Store) LatestHealthReport() (*HealthReport, error) {
	var r HealthReport
	var at, warn, errs, checks string
	var durationMS int64
	err := s.db.QueryRow(`
		SELECT id, at, overall, warn, error, checks, duration_ms
		FROM health_reports ORDER BY id DESC LIMIT 1
	`).Scan(&r.ID, &at, &r.Overall, &warn, &errs, &checks, &durationMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("failed to get latest health report", err)
	}
	if r.At, err = time.Parse(time.RFC3339, at); err != nil {
		return nil, fmt.Errorf("failed to parse report time: %w", err)
	}
	if err := json.Unmarshal([]byte(checks), &r.Checks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checks: %w", err)
	}
	_ = json.Unmarshal([]byte(warn), &r.Warn)
	_ = json.Unmarshal([]byte(errs), &r.Error)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return &r, nil
}

// PruneHealthReports deletes reports older than cutoff.
func (s *Store) PruneHealthReports(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM health_reports WHERE at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, wrapErr("failed to prune health reports", err)
	}
	return res.RowsAffected()
}

// Boot operations

// InsertBootEvent records the start of a boot attempt.
func (s *Store) InsertBootEvent(e *BootEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO boot_events (boot_id, started_at, state) VALUES (?, ?, ?)
	`, e.BootID, e.StartedAt.UTC().Format(time.RFC3339), e.State)
	return wrapErr("failed to insert boot event", err)
}

// FinishBootEvent records the terminal state of a boot attempt.
func (s *Store) FinishBootEvent(bootID, state, reason string, failedPaths []string) error {
	paths, _ := json.Marshal(failedPaths)
	res, err := s.db.Exec(`
		UPDATE boot_events SET finished_at = ?, state = ?, reason = ?, failed_paths = ?
		WHERE boot_id = ?
	`, time.Now().UTC().Format(time.RFC3339), state, reason, string(paths), bootID)
	if err != nil {
		return wrapErr("failed to finish boot event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("boot %s not found", bootID)
	}
	return nil
}

// ListBootEvents returns the most recent boot attempts, newest first.
func (s *Store) ListBootEvents(limit int) ([]*BootEvent, error) {
	rows, err := s.db.Query(`
		SELECT boot_id, started_at, finished_at, state, reason, failed_paths
		FROM boot_events ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrapErr("failed to list boot events", err)
	}
	defer rows.Close()

	var events []*BootEvent
	for rows.Next() {
		var e BootEvent
		var started string
		var finished, reason, paths sql.NullString
		if err := rows.Scan(&e.BootID, &started, &finished, &e.State, &reason, &paths); err != nil {
			return nil, fmt.Errorf("failed to scan boot event: %w", err)
		}
		if e.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if e.FinishedAt, err = parseOptional(finished); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		if paths.Valid && paths.String != "" {
			_ = json.Unmarshal([]byte(paths.String), &e.FailedPaths)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Snapshot audit operations

// InsertSnapshot records a created snapshot and returns its ID.
func (s *Store) InsertSnapshot(r *SnapshotRecord) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO snapshots (category, name, created_at, file_count, snapshot_path, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Category, r.Name, r.CreatedAt.UTC().Format(time.RFC3339), r.FileCount, r.Path, r.Reason)
	if err != nil {
		return 0, wrapErr("failed to insert snapshot", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshot ID: %w", err)
	}
	return id, nil
}

// MarkSnapshotPruned keeps the audit row but records when the snapshot was
// deleted.
func (s *Store) MarkSnapshotPruned(category, name string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE snapshots SET pruned_at = ? WHERE category = ? AND name = ?
	`, at.UTC().Format(time.RFC3339), category, name)
	return wrapErr("failed to mark snapshot pruned", err)
}

// ListSnapshots returns audit rows for category (all categories if empty),
// newest first.
func (s *Store) ListSnapshots(category string) ([]*SnapshotRecord, error) {
	query := `
		SELECT id, category, name, created_at, file_count, snapshot_path, reason, pruned_at
		FROM snapshots
		WHERE (? = '' OR category = ?)
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.Query(query, category, category)
	if err != nil {
		return nil, wrapErr("failed to list snapshots", err)
	}
	defer rows.Close()

	var records []*SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var created string
		var reason, pruned sql.NullString
		if err := rows.Scan(&r.ID, &r.Category, &r.Name, &created, &r.FileCount, &r.Path, &reason, &pruned); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for snapshot %d: %w", r.ID, err)
		}
		if r.PrunedAt, err = parseOptional(pruned); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return records, nil
}

// Lifecycle operations

// MarkStarted records that component started and returns the previous
// record, if any, so the caller can tell a crash from a clean stop.
func (s *Store) MarkStarted(component string, pid int) (*LifecycleRecord, error) {
	prev, err := s.GetLifecycle(component)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO lifecycle (component, pid, started_at, stopped_at, clean)
		VALUES (?, ?, ?, NULL, 0)
	`, component, pid, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, wrapErr("failed to mark start", err)
	}
	return prev, nil
}

// MarkStopped records a clean shutdown timestamp.
func (s *Store) MarkStopped(component string) error {
	_, err := s.db.Exec(`
		UPDATE lifecycle SET stopped_at = ?, clean = 1 WHERE component = ?
	`, time.Now().UTC().Format(time.RFC3339), component)
	return wrapErr("failed to mark stop", err)
}

// GetLifecycle returns the lifecycle record for component, or nil.
func (s *Store) GetLifecycle(component string) (*LifecycleRecord, error) {
	var r LifecycleRecord
	var started string
	var stopped sql.NullString
	var pid sql.NullInt64
	err := s.db.QueryRow(`
		SELECT component, pid, started_at, stopped_at, clean FROM lifecycle WHERE component = ?
	`, component).Scan(&r.Component, &pid, &started, &stopped, &r.Clean)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("failed to get lifecycle", err)
	}
	r.PID = int(pid.Int64)
	if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if r.StoppedAt, err = parseOptional(stopped); err != nil {
		return nil, err
	}
	return &r, nil
}

func formatOptional(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseOptional(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
