package snapshots

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
	"github.com/blackwell-systems/trustmonitor/internal/integrity"
)

// RestoreResult lists what a restore wrote back.
type RestoreResult struct {
	Snapshot *Snapshot
	Restored []string
}

// Restore copies the snapshot's files back over the live tree. Every copy
// is checked against the digest recorded in SNAPSHOT.json before anything
// is written; a snapshot with a damaged copy is refused as a whole. Each
// file is then written via temp file and rename.
func (m *Manager) Restore(snap *Snapshot) (*RestoreResult, error) {
	if len(snap.Files) == 0 {
		return nil, fmt.Errorf("snapshot %s is empty", snap.Name)
	}

	for _, f := range snap.Files {
		digest, err := integrity.HashFile(copyPath(snap.Dir, f.Path))
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.Name, err)
		}
		if digest != f.SHA256 {
			return nil, fmt.Errorf("snapshot %s: copy of %s is damaged (sha256 %s, recorded %s)",
				snap.Name, f.Path, digest, f.SHA256)
		}
	}

	result := &RestoreResult{Snapshot: snap}
	for _, f := range snap.Files {
		if err := fsutil.CopyFileAtomic(copyPath(snap.Dir, f.Path), m.livePath(f.Path)); err != nil {
			return result, fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
		result.Restored = append(result.Restored, f.Path)
		m.logger.Debug("restored file", zap.String("path", f.Path))
	}

	m.logger.Info("snapshot restored",
		zap.String("category", string(snap.Category)),
		zap.String("name", snap.Name),
		zap.Int("files", len(result.Restored)),
	)
	return result, nil
}

// loadSnapshotFile reads and parses a SNAPSHOT.json file.
func loadSnapshotFile(path string) (*SnapshotData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snapshotData SnapshotData
	if err := json.Unmarshal(data, &snapshotData); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot JSON: %w", err)
	}

	return &snapshotData, nil
}
