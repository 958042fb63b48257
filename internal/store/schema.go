package store

const schema = `
CREATE TABLE IF NOT EXISTS watchdog_services (
    service TEXT PRIMARY KEY,
    last_status TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_action TEXT,
    last_action_at TIMESTAMP,
    last_check_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS watchdog_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    service TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    action TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    error TEXT,
    at TIMESTAMP NOT NULL,
    FOREIGN KEY (service) REFERENCES watchdog_services(service) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS watchdog_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    at TIMESTAMP NOT NULL,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL,
    message TEXT
);

CREATE TABLE IF NOT EXISTS health_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    at TIMESTAMP NOT NULL,
    overall TEXT NOT NULL,
    warn TEXT,
    error TEXT,
    checks TEXT NOT NULL,
    duration_ms INTEGER
);

CREATE TABLE IF NOT EXISTS boot_events (
    boot_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    state TEXT NOT NULL,
    reason TEXT,
    failed_paths TEXT
);

CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    file_count INTEGER,
    snapshot_path TEXT NOT NULL,
    reason TEXT,
    pruned_at TIMESTAMP,
    UNIQUE (category, name)
);

CREATE TABLE IF NOT EXISTS lifecycle (
    component TEXT PRIMARY KEY,
    pid INTEGER,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    clean BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_attempts_service ON watchdog_attempts(service);
CREATE INDEX IF NOT EXISTS idx_events_at ON watchdog_events(at);
CREATE INDEX IF NOT EXISTS idx_health_at ON health_reports(at);
CREATE INDEX IF NOT EXISTS idx_boot_started ON boot_events(started_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_category ON snapshots(category, created_at);
`
