// Package trusttest builds signed protected trees for tests.
package trusttest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/integrity"
	"github.com/blackwell-systems/trustmonitor/internal/signature"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

// DefaultFiles is a small device tree.
var DefaultFiles = map[string]string{
	"main.py":                    "from hardware import sensor_monitor\n",
	"hardware/sensor_monitor.py": "def run_once():\n    return read_sensor()\n",
	"hardware/led_controller.py": "PINS = {'red': 27, 'green': 22, 'blue': 5}\n",
	"config/device.conf":         "interval=60\n",
}

// Fixture is a signed tree with a matching configuration.
type Fixture struct {
	Cfg            *config.Config
	Root           string
	StateDir       string
	PrivateKeyPath string
}

// New writes files under a temp root, builds and signs the manifest, and
// returns a configuration pointing at it. opts adjust the parsed
// configuration before the tree is signed.
func New(t testing.TB, files map[string]string, opts ...func(*config.Config)) *Fixture {
	t.Helper()
	if files == nil {
		files = DefaultFiles
	}
	base := t.TempDir()
	root := filepath.Join(base, "app")
	state := filepath.Join(base, "state")
	keysDir := filepath.Join(base, "keys")

	for rel, content := range files {
		Write(t, root, rel, content)
	}
	must(t, os.MkdirAll(keysDir, 0700))

	kp, err := signature.GenerateKey(signature.SchemeNote, "trustmonitor-test")
	must(t, err)
	privPath := filepath.Join(keysDir, "signer.key")
	must(t, os.WriteFile(privPath, kp.Private, 0600))
	Write(t, root, "keys/device.pub", string(kp.Public))

	yml := fmt.Sprintf(`
paths:
  root: %s
  state_dir: %s
signature:
  public_key: keys/device.pub
indicator:
  driver: simulated
sensor:
  simulate: true
  read_delay: 1ms
watchdog:
  retry_delay: 1ms
logging:
  level: debug
`, root, state)
	cfg, err := config.Parse([]byte(yml))
	must(t, err)
	for _, opt := range opts {
		opt(cfg)
	}

	f := &Fixture{Cfg: cfg, Root: root, StateDir: state, PrivateKeyPath: privPath}
	f.Resign(t)
	return f
}

// Resign rebuilds the manifest from the current tree and signs it.
func (f *Fixture) Resign(t testing.TB) {
	t.Helper()
	m, err := integrity.Build(f.Root, trust.Excludes(f.Cfg))
	must(t, err)
	must(t, integrity.WriteFile(f.Cfg.Integrity.Manifest, m))

	priv, err := signature.LoadPrivateKey(f.PrivateKeyPath)
	must(t, err)
	defer priv.Destroy()
	must(t, signature.SignFile(f.Cfg.Integrity.Manifest, f.Cfg.Signature.File, priv))
}

// Write creates or replaces a file under root.
func Write(t testing.TB, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	must(t, os.MkdirAll(filepath.Dir(path), 0755))
	must(t, os.WriteFile(path, []byte(content), 0644))
}

// Tamper appends a line to a protected file.
func (f *Fixture) Tamper(t testing.TB, rel, line string) {
	t.Helper()
	path := filepath.Join(f.Root, filepath.FromSlash(rel))
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	must(t, err)
	defer fh.Close()
	_, err = fh.WriteString(line)
	must(t, err)
}

func must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
}
