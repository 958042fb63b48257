package integrity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// FailureKind distinguishes why a path failed verification.
type FailureKind string

const (
	// FailureMissing: a manifest entry has no file on disk.
	FailureMissing FailureKind = "missing"
	// FailureMismatch: the file's digest differs from the manifest.
	FailureMismatch FailureKind = "mismatch"
	// FailureUntracked: a file under root is not in the manifest.
	FailureUntracked FailureKind = "untracked"
	// FailureUnreadable: the file exists but could not be hashed.
	FailureUnreadable FailureKind = "unreadable"
)

// Failure is one failing path.
type Failure struct {
	Path     string
	Kind     FailureKind
	Expected string
	Actual   string
	Err      error
}

// VerifyOptions tunes Verify. Exclude must be the same patterns the
// manifest was built with so excluded files are not reported as untracked.
type VerifyOptions struct {
	Exclude        []string
	AllowUntracked bool
}

// Result is the outcome of Verify. OK is true only when Failures is empty.
type Result struct {
	OK       bool
	Checked  int
	Failures []Failure
}

// FailedPaths returns the sorted failing paths.
func (r *Result) FailedPaths() []string {
	paths := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	return paths
}

// Count returns the number of failures of the given kind.
func (r *Result) Count(kind FailureKind) int {
	n := 0
	for _, f := range r.Failures {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Log writes one line per failure, at error level, tagged by kind.
func (r *Result) Log(logger *zap.Logger) {
	for _, f := range r.Failures {
		fields := []zap.Field{zap.String("path", f.Path), zap.String("kind", string(f.Kind))}
		switch f.Kind {
		case FailureMissing:
			logger.Error("protected file missing", fields...)
		case FailureMismatch:
			fields = append(fields, zap.String("expected", f.Expected), zap.String("actual", f.Actual))
			logger.Error("protected file hash mismatch", fields...)
		case FailureUntracked:
			logger.Error("untracked file under protected root", fields...)
		default:
			logger.Error("protected file unreadable", append(fields, zap.Error(f.Err))...)
		}
	}
}

// Verify recomputes every entry's digest under root. Missing files, digest
// mismatches, unreadable files and (unless allowed) untracked files are all
// failures; any failure makes the whole result fail.
func Verify(m *Manifest, root string, opts VerifyOptions) *Result {
	res := &Result{}

	for _, e := range m.Entries {
		res.Checked++
		abs := filepath.Join(root, filepath.FromSlash(e.Path))
		actual, err := HashFile(abs)
		switch {
		case os.IsNotExist(err):
			res.Failures = append(res.Failures, Failure{Path: e.Path, Kind: FailureMissing, Expected: e.Digest})
		case err != nil:
			res.Failures = append(res.Failures, Failure{Path: e.Path, Kind: FailureUnreadable, Expected: e.Digest, Err: err})
		case actual != e.Digest:
			res.Failures = append(res.Failures, Failure{Path: e.Path, Kind: FailureMismatch, Expected: e.Digest, Actual: actual})
		}
	}

	if !opts.AllowUntracked {
		err := walk(root, opts.Exclude, func(rel, _ string) error {
			if _, ok := m.Lookup(rel); !ok {
				res.Failures = append(res.Failures, Failure{Path: rel, Kind: FailureUntracked})
			}
			return nil
		})
		if err != nil {
			res.Failures = append(res.Failures, Failure{Path: ".", Kind: FailureUnreadable, Err: fmt.Errorf("failed to scan for untracked files: %w", err)})
		}
	}

	sort.SliceStable(res.Failures, func(i, j int) bool { return res.Failures[i].Path < res.Failures[j].Path })
	res.OK = len(res.Failures) == 0
	return res
}
