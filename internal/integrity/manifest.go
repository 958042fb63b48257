package integrity

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
)

// Entry is one protected file. Path is slash-separated and relative to the
// project root; Digest is lowercase hex SHA-256.
type Entry struct {
	Path   string
	Digest string
}

// Manifest is the ordered set of entries. Entries are sorted by Path and
// paths are unique.
type Manifest struct {
	Entries []Entry
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// Lookup returns the recorded digest for path.
func (m *Manifest) Lookup(path string) (string, bool) {
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= path })
	if i < len(m.Entries) && m.Entries[i].Path == path {
		return m.Entries[i].Digest, true
	}
	return "", false
}

// Marshal renders the manifest in sha256sum text format. These exact bytes
// are what gets signed.
func (m *Manifest) Marshal() []byte {
	var buf bytes.Buffer
	for _, e := range m.Entries {
		buf.WriteString(e.Digest)
		buf.WriteString("  ")
		buf.WriteString(e.Path)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Parse reads sha256sum text format. Both the text ("  ") and binary (" *")
// separators are accepted. Entries must be sorted and unique.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		if len(line) < sha256HexLen+3 {
			return nil, fmt.Errorf("manifest line %d: too short", lineNo)
		}
		digest := line[:sha256HexLen]
		sep := line[sha256HexLen : sha256HexLen+2]
		path := line[sha256HexLen+2:]
		if sep != "  " && sep != " *" {
			return nil, fmt.Errorf("manifest line %d: bad separator %q", lineNo, sep)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, fmt.Errorf("manifest line %d: bad digest: %w", lineNo, err)
		}
		if err := validPath(path); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		if n := len(m.Entries); n > 0 {
			prev := m.Entries[n-1].Path
			if prev == path {
				return nil, fmt.Errorf("manifest line %d: duplicate path %s", lineNo, path)
			}
			if prev > path {
				return nil, fmt.Errorf("manifest line %d: entries not sorted (%s after %s)", lineNo, path, prev)
			}
		}
		m.Entries = append(m.Entries, Entry{Path: path, Digest: strings.ToLower(digest)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return m, nil
}

// ReadFile loads a manifest and also returns its raw bytes for signature
// verification.
func ReadFile(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

// WriteFile writes the manifest via temp file and rename.
func WriteFile(path string, m *Manifest) error {
	if err := fsutil.WriteFileAtomic(path, m.Marshal(), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

const sha256HexLen = 64

// validPath rejects paths sha256sum would need to escape, paths a signed
// note cannot carry (invalid UTF-8, control characters), absolute paths and
// parent traversal.
func validPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty path")
	case !utf8.ValidString(p):
		return fmt.Errorf("path is not valid UTF-8: %q", p)
	case strings.IndexFunc(p, unicode.IsControl) >= 0 || strings.Contains(p, "\\"):
		return fmt.Errorf("unsupported character in path %q", p)
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute path %s", p)
	case p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../"):
		return fmt.Errorf("path escapes root: %s", p)
	}
	return nil
}
