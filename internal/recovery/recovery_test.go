package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/snapshots"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
	"github.com/blackwell-systems/trustmonitor/internal/trust/trusttest"
)

const marker = "# MALICIOUS SENSOR CODE"

func newFixture(t *testing.T) *trusttest.Fixture {
	return trusttest.New(t, nil, func(cfg *config.Config) {
		cfg.Recovery.ArtifactGlobs = []string{"*.malicious", "hardware/*.injected"}
		cfg.Recovery.MarkerLines = []string{marker}
	})
}

func newOrchestrator(fx *trusttest.Fixture) (*Orchestrator, *snapshots.Manager) {
	logger := zap.NewNop()
	snaps := snapshots.New(fx.Cfg, nil, logger)
	return New(fx.Cfg, snaps, trust.NewVerifier(fx.Cfg, logger), nil, logger), snaps
}

func attack(t *testing.T, fx *trusttest.Fixture) {
	fx.Tamper(t, "hardware/sensor_monitor.py", marker+" - fake high temperature readings\n")
	trusttest.Write(t, fx.Root, "payload.malicious", "rm -rf /")
	trusttest.Write(t, fx.Root, "hardware/backdoor.injected", "import socket")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRecover_RestoresLatestCriticalSnapshot(t *testing.T) {
	fx := newFixture(t)
	orch, snaps := newOrchestrator(fx)

	trusted, err := snaps.Create(snapshots.Critical, "known good")
	require.NoError(t, err)

	attack(t, fx)
	_, err = trust.NewVerifier(fx.Cfg, zap.NewNop()).Verify()
	require.True(t, terrors.Is(err, terrors.CodeIntegrityFailed))

	res := orch.Recover(context.Background(), Request{Mode: ModeAuto, Reason: "integrity failed"})
	require.True(t, res.OK, "steps: %+v", res.Steps)
	assert.NoError(t, res.Err())
	assert.NotEmpty(t, res.ID)
	assert.Len(t, res.Removed, 2)
	require.NotNil(t, res.Restored)
	assert.Equal(t, trusted.Name, res.Restored.Name)
	assert.False(t, res.Rebuilt)

	require.NotNil(t, res.Forensic)
	assert.Equal(t, snapshots.Demo, res.Forensic.Category)
	forensicCopy := filepath.Join(res.Forensic.Dir, "files", "hardware", "sensor_monitor.py")
	assert.Contains(t, readFile(t, forensicCopy), marker)

	live := readFile(t, filepath.Join(fx.Root, "hardware", "sensor_monitor.py"))
	assert.Equal(t, trusttest.DefaultFiles["hardware/sensor_monitor.py"], live)

	names := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"remove_artifacts", "forensic_snapshot", "restore", "verify"}, names)
}

func TestRecover_ExplicitTarget(t *testing.T) {
	fx := newFixture(t)
	orch, snaps := newOrchestrator(fx)

	first, err := snaps.Create(snapshots.Critical, "first")
	require.NoError(t, err)

	attack(t, fx)
	res := orch.Recover(context.Background(), Request{Mode: ModeManual, Target: first})
	require.True(t, res.OK)
	assert.Equal(t, first.Name, res.Restored.Name)
}

func TestRecover_RebuildAndSignWithoutSnapshot(t *testing.T) {
	fx := newFixture(t)
	fx.Cfg.Signature.PrivateKey = fx.PrivateKeyPath
	fx.Cfg.Recovery.SkipForensicSnapshot = true
	orch, _ := newOrchestrator(fx)

	fx.Tamper(t, "main.py", marker+" - exfiltrate\n")

	res := orch.Recover(context.Background(), Request{Mode: ModeAuto})
	require.True(t, res.OK, "steps: %+v", res.Steps)
	assert.True(t, res.Rebuilt)
	assert.Nil(t, res.Restored)
	assert.Nil(t, res.Forensic)
	assert.Equal(t, []string{"main.py"}, res.Stripped)
	assert.Equal(t, trusttest.DefaultFiles["main.py"], readFile(t, filepath.Join(fx.Root, "main.py")))
}

func TestRecover_UnreadableBackupsNeverRebuild(t *testing.T) {
	fx := newFixture(t)
	fx.Cfg.Signature.PrivateKey = fx.PrivateKeyPath
	orch, snaps := newOrchestrator(fx)

	_, err := snaps.Create(snapshots.Critical, "known good")
	require.NoError(t, err)
	critical := snaps.CategoryDir(snapshots.Critical)
	require.NoError(t, os.RemoveAll(critical))
	require.NoError(t, os.WriteFile(critical, []byte("not a directory"), 0644))

	manifestBefore := readFile(t, fx.Cfg.Integrity.Manifest)
	trusttest.Write(t, fx.Root, "hardware/sensor_monitor.py", "import socket # backdoor without marker\n")

	res := orch.Recover(context.Background(), Request{Mode: ModeAuto})
	assert.False(t, res.OK)
	assert.False(t, res.Rebuilt)
	assert.Nil(t, res.Restored)
	assert.True(t, terrors.Is(res.Err(), terrors.CodeIntegrityFailed))

	names := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"remove_artifacts", "forensic_snapshot", "select_snapshot", "verify"}, names)
	assert.Equal(t, manifestBefore, readFile(t, fx.Cfg.Integrity.Manifest))
	assert.Contains(t, readFile(t, filepath.Join(fx.Root, "hardware", "sensor_monitor.py")), "backdoor")
}

func TestRecover_SignatureRequestWhenNoKey(t *testing.T) {
	fx := newFixture(t)
	orch, _ := newOrchestrator(fx)

	attack(t, fx)

	res := orch.Recover(context.Background(), Request{Mode: ModeManual})
	assert.False(t, res.OK)
	assert.True(t, res.Rebuilt)
	assert.Contains(t, res.SignatureDetail, fx.Cfg.Recovery.SignatureRequestFile)
	require.NotNil(t, res.Verification)
	assert.Equal(t, trust.StageSignature, res.Verification.Stage)
	assert.True(t, terrors.Is(res.Err(), terrors.CodeSignatureFailed))

	req := readFile(t, fx.Cfg.Recovery.SignatureRequestFile)
	assert.Contains(t, req, "recovery_id="+res.ID)
	assert.Contains(t, req, "manifest_sha256=")
}

func TestStripMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_monitor.py")
	orig := "if __name__ == '__main__':\n    main()" + marker + " - fake readings\n" + marker + "\nprint('x')\n"
	require.NoError(t, os.WriteFile(path, []byte(orig), 0644))

	changed, err := stripMarkers(path, []string{marker})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "if __name__ == '__main__':\n    main()\nprint('x')\n", readFile(t, path))

	changed, err = stripMarkers(path, []string{marker})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("AUTO")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseMode("later")
	assert.Error(t, err)
}
