package recovery

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
)

// removeArtifacts deletes every file matching the globs. Relative globs are
// anchored at root. Directories are never removed.
func removeArtifacts(root string, globs []string) (removed []string, errs []error) {
	for _, g := range globs {
		pattern := g
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(root, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("bad artifact pattern %q: %w", g, err))
			continue
		}
		for _, path := range matches {
			info, err := os.Lstat(path)
			if err != nil || info.IsDir() {
				continue
			}
			if err := os.Remove(path); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
				continue
			}
			removed = append(removed, path)
		}
	}
	return removed, errs
}

// stripMarkers truncates every line of path at the first marker it contains
// and drops lines left blank by the cut. It reports whether the file changed.
func stripMarkers(path string, markers []string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	lines := bytes.SplitAfter(data, []byte("\n"))
	var out bytes.Buffer
	changed := false
	for _, line := range lines {
		s := string(line)
		cut := -1
		for _, m := range markers {
			if i := strings.Index(s, m); i >= 0 && (cut < 0 || i < cut) {
				cut = i
			}
		}
		if cut < 0 {
			out.WriteString(s)
			continue
		}
		changed = true
		kept := strings.TrimRight(s[:cut], " \t")
		if strings.TrimSpace(kept) == "" {
			continue
		}
		out.WriteString(kept)
		if strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}
	if !changed {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return true, fsutil.WriteFileAtomic(path, out.Bytes(), info.Mode().Perm())
}
