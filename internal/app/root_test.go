package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/snapshots"
	"github.com/blackwell-systems/trustmonitor/internal/store"
	"github.com/blackwell-systems/trustmonitor/internal/trust/trusttest"
)

func testEnv(t *testing.T, opts ...func(*config.Config)) (*env, *trusttest.Fixture) {
	t.Helper()
	fx := trusttest.New(t, nil, opts...)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &env{cfg: fx.Cfg, logger: zap.NewNop(), store: st}, fx
}

func TestRootCommand(t *testing.T) {
	if RootCmd.Use != "trustmonitor" {
		t.Errorf("expected Use to be 'trustmonitor', got '%s'", RootCmd.Use)
	}
	if RootCmd.Short == "" || RootCmd.Long == "" {
		t.Error("expected Short and Long descriptions to be set")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, cmd := range RootCmd.Commands() {
		found[cmd.Name()] = true
	}
	for _, want := range []string{"boot", "verify", "manifest", "monitor", "watchdog", "run", "backup", "recover", "status", "doctor"} {
		if !found[want] {
			t.Errorf("expected command '%s' to be registered", want)
		}
	}
}

func TestRootCommandHasPersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level"} {
		flag := RootCmd.PersistentFlags().Lookup(name)
		if flag == nil {
			t.Errorf("expected --%s flag to be registered", name)
			continue
		}
		if flag.Usage == "" {
			t.Errorf("expected --%s flag to have usage text", name)
		}
	}
}

func TestWatchdogDaemonChildFlagHidden(t *testing.T) {
	flag := watchdogCmd.Flags().Lookup("daemon-child")
	if flag == nil {
		t.Fatal("expected --daemon-child flag")
	}
	if !flag.Hidden {
		t.Error("--daemon-child should be hidden")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json", config.LoggingConfig{Level: "info", Format: "json"}, false},
		{"console debug", config.LoggingConfig{Level: "debug", Format: "console"}, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := newLogger(tt.cfg)
			if tt.wantErr {
				if !terrors.Is(err, terrors.CodeConfigError) {
					t.Errorf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("newLogger: %v", err)
			}
			logger.Sync()
		})
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "paths:\n  root: " + dir + "\n  state_dir: " + filepath.Join(dir, "state") + "\nindicator:\n  driver: simulated\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	oldPath, oldLevel := configPath, logLevel
	configPath, logLevel = path, "debug"
	defer func() { configPath, logLevel = oldPath, oldLevel }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Paths.Root != dir {
		t.Errorf("root = %q, want %q", cfg.Paths.Root, dir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: chatty\n"), 0644); err != nil {
		t.Fatal(err)
	}
	oldPath := configPath
	configPath = path
	defer func() { configPath = oldPath }()

	_, err := loadConfig()
	if !terrors.Is(err, terrors.CodeConfigError) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestRunVerify(t *testing.T) {
	e, fx := testEnv(t)

	var buf bytes.Buffer
	if err := runVerify(e, &buf); err != nil {
		t.Fatalf("runVerify on clean tree: %v", err)
	}
	if !strings.Contains(buf.String(), "Protected tree verified") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	fx.Tamper(t, "main.py", "import os\n")
	buf.Reset()
	err := runVerify(e, &buf)
	if terrors.ExitCode(err) != 4 {
		t.Errorf("exit code = %d, want 4 (err %v)", terrors.ExitCode(err), err)
	}
	if !strings.Contains(buf.String(), "main.py") {
		t.Errorf("failing path not shown:\n%s", buf.String())
	}
}

func TestRunVerify_MissingSignature(t *testing.T) {
	e, fx := testEnv(t)
	os.Remove(fx.Cfg.Signature.File)

	err := runVerify(e, &bytes.Buffer{})
	if terrors.ExitCode(err) != 11 {
		t.Errorf("exit code = %d, want 11", terrors.ExitCode(err))
	}
}

func TestRunManifestBuild(t *testing.T) {
	e, fx := testEnv(t)
	trusttest.Write(t, fx.Root, "hardware/new_driver.py", "pass\n")

	var buf bytes.Buffer
	if err := runManifestBuild(e, &buf); err != nil {
		t.Fatalf("runManifestBuild: %v", err)
	}
	if !strings.Contains(buf.String(), "(6 files)") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	// the old signature no longer covers the manifest
	if err := runVerify(e, &bytes.Buffer{}); terrors.ExitCode(err) != 5 {
		t.Errorf("exit code = %d, want 5", terrors.ExitCode(err))
	}
}

func TestRunBoot_VerifyOnly(t *testing.T) {
	e, _ := testEnv(t)

	var buf bytes.Buffer
	if err := runBoot(context.Background(), e, &buf, true); err != nil {
		t.Fatalf("runBoot: %v", err)
	}
	if !strings.Contains(buf.String(), "Boot verified") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	boots, err := e.store.ListBootEvents(1)
	if err != nil || len(boots) != 1 || boots[0].State != "HEALTHY" {
		t.Errorf("boot event = %+v, err %v", boots, err)
	}
}

func TestRunBoot_HaltsUntilCancelled(t *testing.T) {
	e, fx := testEnv(t, func(cfg *config.Config) {
		cfg.Boot.HaltAnnounceInterval = 10 * time.Millisecond
	})
	fx.Tamper(t, "config/device.conf", "debug=1\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := runBoot(ctx, e, &buf, true)
	if terrors.ExitCode(err) != 6 {
		t.Errorf("exit code = %d, want 6 (err %v)", terrors.ExitCode(err), err)
	}
	if !strings.Contains(buf.String(), "Boot halted") || !strings.Contains(buf.String(), "config/device.conf") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestRunMonitorOnce(t *testing.T) {
	e, _ := testEnv(t, func(cfg *config.Config) {
		cfg.Health.Builtins = []string{"integrity"}
	})

	var buf bytes.Buffer
	if err := runMonitor(context.Background(), e, &buf, true); err != nil {
		t.Fatalf("runMonitor: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "integrity") || !strings.Contains(out, "Overall: OK") {
		t.Errorf("unexpected output:\n%s", out)
	}

	report, err := e.store.LatestHealthReport()
	if err != nil || report == nil {
		t.Fatalf("LatestHealthReport: %v, %v", report, err)
	}
	if report.Overall != "OK" {
		t.Errorf("stored overall = %q, want OK", report.Overall)
	}
}

func TestRunMonitorOnce_ErrorExitCode(t *testing.T) {
	e, fx := testEnv(t, func(cfg *config.Config) {
		cfg.Health.Builtins = []string{"integrity"}
	})
	fx.Tamper(t, "main.py", "#\n")

	err := runMonitor(context.Background(), e, &bytes.Buffer{}, true)
	if terrors.ExitCode(err) != 2 {
		t.Errorf("exit code = %d, want 2", terrors.ExitCode(err))
	}
}

func TestRunWatchdog_MissingSystemctlIsFatal(t *testing.T) {
	e, _ := testEnv(t, func(cfg *config.Config) {
		cfg.Watchdog.Services = []string{"sensor-monitor"}
	})
	t.Setenv("PATH", t.TempDir())

	var buf bytes.Buffer
	err := runWatchdog(context.Background(), e, &buf, true)
	if terrors.ExitCode(err) != 11 {
		t.Errorf("exit code = %d, want 11 (err %v)", terrors.ExitCode(err), err)
	}
	if buf.Len() != 0 {
		t.Errorf("no tick should run, got output:\n%s", buf.String())
	}

	err = runLoops(context.Background(), e, hal.NewSimulatedIndicator(zap.NewNop()))
	if terrors.ExitCode(err) != 11 {
		t.Errorf("runLoops exit code = %d, want 11", terrors.ExitCode(err))
	}
}

func TestRunWatchdog_UnreadableProcRootIsFatal(t *testing.T) {
	e, _ := testEnv(t, func(cfg *config.Config) {
		cfg.Resources.ProcRoot = filepath.Join(t.TempDir(), "no-proc")
	})

	err := runWatchdog(context.Background(), e, &bytes.Buffer{}, true)
	if terrors.ExitCode(err) != 11 {
		t.Errorf("exit code = %d, want 11 (err %v)", terrors.ExitCode(err), err)
	}
}

func TestBackupCommands(t *testing.T) {
	e, _ := testEnv(t)
	m := snapshots.New(e.cfg, e.store, e.logger)

	var buf bytes.Buffer
	if err := runBackupCreate(m, snapshots.Critical, "test", &buf); err != nil {
		t.Fatalf("runBackupCreate: %v", err)
	}

	buf.Reset()
	if err := runBackupList(m, "", &buf); err != nil {
		t.Fatalf("runBackupList: %v", err)
	}
	if !strings.Contains(buf.String(), "critical") || !strings.Contains(buf.String(), "test") {
		t.Errorf("unexpected list output:\n%s", buf.String())
	}

	buf.Reset()
	if err := runBackupPrune(e.cfg, m, "", &buf); err != nil {
		t.Fatalf("runBackupPrune: %v", err)
	}
	if !strings.Contains(buf.String(), "critical: 0 pruned") || !strings.Contains(buf.String(), "demo: 0 pruned") {
		t.Errorf("unexpected prune output:\n%s", buf.String())
	}
}

func TestRunRecover(t *testing.T) {
	e, fx := testEnv(t)
	m := snapshots.New(e.cfg, e.store, e.logger)
	if _, err := m.Create(snapshots.Critical, "trusted"); err != nil {
		t.Fatal(err)
	}
	fx.Tamper(t, "hardware/led_controller.py", "PINS['red'] = 0\n")

	var buf bytes.Buffer
	if err := runRecover(context.Background(), e, &buf, true, "", "test"); err != nil {
		t.Fatalf("runRecover: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "Recovery complete") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
	if err := runVerify(e, &bytes.Buffer{}); err != nil {
		t.Errorf("tree should verify after recovery: %v", err)
	}
}

func TestRunRecover_UnknownSnapshot(t *testing.T) {
	e, _ := testEnv(t)
	err := runRecover(context.Background(), e, &bytes.Buffer{}, false, "19990101_000000", "")
	if !terrors.Is(err, terrors.CodeConfigError) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestRunStatus(t *testing.T) {
	e, _ := testEnv(t)
	if err := runBoot(context.Background(), e, &bytes.Buffer{}, true); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runStatus(e, &buf); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"HEALTHY", "No health report recorded", "not written yet", "No snapshots found", "never started"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRunDoctor(t *testing.T) {
	_, fx := testEnv(t)

	var buf bytes.Buffer
	if err := runDoctor(context.Background(), fx.Cfg, zap.NewNop(), &buf); err != nil {
		t.Fatalf("runDoctor on a healthy install: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "Manifest, signature and public key readable") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	os.Remove(fx.Cfg.Integrity.Manifest)
	buf.Reset()
	err := runDoctor(context.Background(), fx.Cfg, zap.NewNop(), &buf)
	if terrors.ExitCode(err) != 11 {
		t.Errorf("exit code = %d, want 11", terrors.ExitCode(err))
	}
}
