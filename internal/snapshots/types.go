// Package snapshots manages timestamped backups of the protected file set.
package snapshots

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/store"
)

// Category is an independent retention domain.
type Category string

const (
	// Critical snapshots are known-good states used by recovery.
	Critical Category = "critical"
	// Demo snapshots are short-lived; recovery writes forensic copies of a
	// compromised tree here.
	Demo Category = "demo"
)

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case Critical, Demo:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown snapshot category %q (want critical or demo)", s)
}

// metadataFile is written into every snapshot before it is published.
const metadataFile = "SNAPSHOT.json"

// filesDir holds the copied files inside a snapshot directory.
const filesDir = "files"

// nameLayout is lexicographically sortable.
const nameLayout = "20060102_150405"

// SnapshotData represents the JSON structure stored in SNAPSHOT.json.
type SnapshotData struct {
	CreatedAt time.Time    `json:"created_at"`
	Category  Category     `json:"category"`
	Reason    string       `json:"reason,omitempty"`
	Files     []FileRecord `json:"files"`
}

// FileRecord is one copied file. Path is slash-separated and relative to
// the project root, or absolute for files kept outside it.
type FileRecord struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Snapshot is a published, immutable snapshot directory.
type Snapshot struct {
	Category  Category
	Name      string
	Dir       string
	CreatedAt time.Time
	Reason    string
	Files     []FileRecord
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Manager manages snapshot creation, restoration, and cleanup.
type Manager struct {
	backupRoot   string
	projectRoot  string
	manifestPath string
	sigPath      string
	extra        []string
	store        *store.Store
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a new snapshot Manager. st may be nil, in which case no audit
// rows are written.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		backupRoot:   cfg.Backup.Root,
		projectRoot:  cfg.Paths.Root,
		manifestPath: cfg.Integrity.Manifest,
		sigPath:      cfg.Signature.File,
		extra:        cfg.Backup.Files,
		store:        st,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CategoryDir returns the directory holding one category's snapshots.
func (m *Manager) CategoryDir(c Category) string {
	return filepath.Join(m.backupRoot, string(c))
}

// recordPath converts an absolute live path into a FileRecord path.
func (m *Manager) recordPath(abs string) string {
	rel, err := filepath.Rel(m.projectRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Clean(abs)
	}
	return filepath.ToSlash(rel)
}

// livePath is the inverse of recordPath.
func (m *Manager) livePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.projectRoot, filepath.FromSlash(p))
}

// copyPath is where a record's bytes live inside a snapshot directory.
func copyPath(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Join(dir, filesDir, "_abs", p)
	}
	return filepath.Join(dir, filesDir, filepath.FromSlash(p))
}
