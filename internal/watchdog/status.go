package watchdog

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
	"github.com/blackwell-systems/trustmonitor/internal/health"
)

// StatusRecord is the key/value file external reporting reads. It is
// rewritten after every tick.
type StatusRecord struct {
	Status     health.Status
	LastCheck  time.Time
	LastAction string
	// Extra holds any further keys, written in sorted order after the
	// three fixed ones.
	Extra map[string]string
}

// Marshal renders the record as key=value lines.
func (r *StatusRecord) Marshal() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "status=%s\n", r.Status)
	fmt.Fprintf(&buf, "last_check=%s\n", r.LastCheck.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "last_action=%s\n", oneLine(r.LastAction))

	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, oneLine(r.Extra[k]))
	}
	return buf.Bytes()
}

// WriteStatus replaces the status file atomically.
func WriteStatus(path string, r *StatusRecord) error {
	return fsutil.WriteFileAtomic(path, r.Marshal(), 0644)
}

// ReadStatus parses the status file. Blank lines, comments and lines
// without a key are skipped. A missing file is returned as an
// os.IsNotExist error.
func ReadStatus(path string) (*StatusRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &StatusRecord{Extra: make(map[string]string)}
	seenStatus := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		switch key {
		case "status":
			st, err := health.ParseStatus(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			rec.Status, seenStatus = st, true
		case "last_check":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("%s: bad last_check: %w", path, err)
			}
			rec.LastCheck = t
		case "last_action":
			rec.LastAction = value
		default:
			rec.Extra[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !seenStatus {
		return nil, fmt.Errorf("%s: no status key", path)
	}
	return rec, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
