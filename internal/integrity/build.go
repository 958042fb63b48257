package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Build walks root and hashes every regular file not matched by exclude.
// Symlinks to regular files are hashed by target content. The result is
// sorted by path.
func Build(root string, exclude []string) (*Manifest, error) {
	m := &Manifest{}
	err := walk(root, exclude, func(rel, abs string) error {
		digest, err := HashFile(abs)
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, Entry{Path: rel, Digest: digest})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	return m, nil
}

// HashFile returns the lowercase hex SHA-256 of the file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// walk calls fn for each protected file under root with its slash-separated
// relative path.
func walk(root string, exclude []string, fn func(rel, abs string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if Excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		if err := validPath(rel); err != nil {
			return err
		}
		return fn(rel, path)
	})
}

// Excluded reports whether the slash-separated relative path matches one of
// the patterns. A pattern matches the full path, a directory prefix, or,
// when it has no slash, any single path element.
func Excluded(rel string, patterns []string) bool {
	elems := strings.Split(rel, "/")
	for _, p := range patterns {
		p = strings.TrimSuffix(filepath.ToSlash(p), "/")
		if p == "" {
			continue
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if strings.Contains(p, "/") {
			continue
		}
		for _, el := range elems {
			if ok, _ := filepath.Match(p, el); ok {
				return true
			}
		}
	}
	return false
}
