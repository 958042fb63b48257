package snapshots

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
	"github.com/blackwell-systems/trustmonitor/internal/integrity"
	"github.com/blackwell-systems/trustmonitor/internal/store"
)

// ProtectedFiles returns the live paths a snapshot copies: the manifest,
// its signature, every file the manifest lists, and the configured extras.
// When the manifest cannot be read only the trust artifacts and extras are
// returned, along with the read error.
func (m *Manager) ProtectedFiles() ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	add(m.manifestPath)
	add(m.sigPath)
	for _, p := range m.extra {
		add(m.livePath(p))
	}

	manifest, _, err := integrity.ReadFile(m.manifestPath)
	if err == nil {
		for _, e := range manifest.Entries {
			add(m.livePath(e.Path))
		}
	}
	return files, err
}

// Create copies the protected file set into a new snapshot directory and
// returns it. The copy is assembled under a temporary name and renamed into
// place only after SNAPSHOT.json is written, so a partially copied snapshot
// is never listed.
//
// Critical snapshots require every protected file to exist. Demo snapshots
// are best effort and skip files that are missing.
func (m *Manager) Create(category Category, reason string) (*Snapshot, error) {
	files, listErr := m.ProtectedFiles()
	if listErr != nil && category == Critical {
		return nil, fmt.Errorf("failed to read manifest: %w", listErr)
	}

	catDir := m.CategoryDir(category)
	if err := os.MkdirAll(catDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	created := m.now().UTC()
	name := m.uniqueName(catDir, created)
	tmpDir := filepath.Join(catDir, ".tmp-"+name)
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(tmpDir)
		}
	}()

	data := &SnapshotData{
		CreatedAt: created,
		Category:  category,
		Reason:    reason,
	}

	for _, live := range files {
		rec := m.recordPath(live)
		info, err := os.Stat(live)
		if err != nil {
			if os.IsNotExist(err) && category != Critical {
				m.logger.Warn("skipping missing file", zap.String("path", rec))
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", rec, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", rec)
		}

		dst := copyPath(tmpDir, rec)
		if err := fsutil.CopyFileAtomic(live, dst); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", rec, err)
		}
		digest, err := integrity.HashFile(dst)
		if err != nil {
			return nil, err
		}
		data.Files = append(data.Files, FileRecord{Path: rec, SHA256: digest, Size: info.Size()})
	}
	sort.Slice(data.Files, func(i, j int) bool { return data.Files[i].Path < data.Files[j].Path })

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot data: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(tmpDir, metadataFile), jsonData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	finalDir := filepath.Join(catDir, name)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return nil, fmt.Errorf("failed to publish snapshot: %w", err)
	}
	published = true

	snap := &Snapshot{
		Category:  category,
		Name:      name,
		Dir:       finalDir,
		CreatedAt: created,
		Reason:    reason,
		Files:     data.Files,
	}

	if m.store != nil {
		_, err := m.store.InsertSnapshot(&store.SnapshotRecord{
			Category:  string(category),
			Name:      name,
			CreatedAt: created,
			FileCount: len(data.Files),
			Path:      finalDir,
			Reason:    reason,
		})
		if err != nil {
			// the snapshot itself is usable; the audit row is not
			m.logger.Warn("failed to record snapshot", zap.String("name", name), zap.Error(err))
		}
	}

	m.logger.Info("snapshot created",
		zap.String("category", string(category)),
		zap.String("name", name),
		zap.Int("files", len(data.Files)),
	)
	return snap, nil
}

// uniqueName returns the timestamp name, suffixed -1, -2, ... when a
// snapshot with that name already exists.
func (m *Manager) uniqueName(catDir string, t time.Time) string {
	base := t.Format(nameLayout)
	name := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(catDir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// List returns the published snapshots of category, newest first.
// Temporary directories and directories without readable metadata are
// ignored.
func (m *Manager) List(category Category) ([]*Snapshot, error) {
	catDir := m.CategoryDir(category)
	entries, err := os.ReadDir(catDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var snaps []*Snapshot
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(catDir, entry.Name())
		data, err := loadSnapshotFile(filepath.Join(dir, metadataFile))
		if err != nil {
			m.logger.Warn("ignoring unreadable snapshot", zap.String("dir", dir), zap.Error(err))
			continue
		}
		snaps = append(snaps, &Snapshot{
			Category:  category,
			Name:      entry.Name(),
			Dir:       dir,
			CreatedAt: data.CreatedAt,
			Reason:    data.Reason,
			Files:     data.Files,
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].Name > snaps[j].Name
	})
	return snaps, nil
}

// Latest returns the newest snapshot of category, or nil if there is none.
func (m *Manager) Latest(category Category) (*Snapshot, error) {
	snaps, err := m.List(category)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return snaps[0], nil
}

// Get returns the named snapshot of category.
func (m *Manager) Get(category Category, name string) (*Snapshot, error) {
	snaps, err := m.List(category)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("snapshot %s/%s not found", category, name)
}

// Prune deletes snapshots of category older than maxAge, then deletes the
// oldest of the survivors until at most maxCount remain. It returns the
// removed snapshots, oldest first.
func (m *Manager) Prune(category Category, maxAge time.Duration, maxCount int) ([]*Snapshot, error) {
	snaps, err := m.List(category)
	if err != nil {
		return nil, err
	}
	now := m.now()

	var kept, doomed []*Snapshot
	for _, s := range snaps {
		if maxAge > 0 && s.Age(now) > maxAge {
			doomed = append(doomed, s)
		} else {
			kept = append(kept, s)
		}
	}
	if maxCount >= 0 && len(kept) > maxCount {
		doomed = append(doomed, kept[maxCount:]...)
	}

	sort.Slice(doomed, func(i, j int) bool { return doomed[i].CreatedAt.Before(doomed[j].CreatedAt) })

	var removed []*Snapshot
	for _, s := range doomed {
		if err := os.RemoveAll(s.Dir); err != nil {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", s.Name, err)
		}
		removed = append(removed, s)
		if m.store != nil {
			if err := m.store.MarkSnapshotPruned(string(category), s.Name, now); err != nil {
				m.logger.Warn("failed to record prune", zap.String("name", s.Name), zap.Error(err))
			}
		}
		m.logger.Info("snapshot pruned",
			zap.String("category", string(category)),
			zap.String("name", s.Name),
			zap.Duration("age", s.Age(now)),
		)
	}
	return removed, nil
}
