package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/plugins"
	"github.com/blackwell-systems/trustmonitor/internal/resources"
	"github.com/blackwell-systems/trustmonitor/internal/store"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check startup dependencies",
	Long: `Runs the startup dependency checks without booting.

Critical (exit code 11):
  • protected root, manifest, signature and public key readable
  • state database can be opened and initialized
  • systemctl available when watchdog.services is set
  • proc filesystem readable at resources.proc_root

Warnings (exit code 0):
  • simulated sensor or indicator in use
  • no plugin directory, metrics directory missing
  • signing key permissions, watchdog daemon not running`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()
		return runDoctor(cmd.Context(), cfg, logger, cmd.OutOrStdout())
	},
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

// doctorReport counts issues while printing each check.
type doctorReport struct {
	w        io.Writer
	critical int
	warnings int
}

func (r *doctorReport) ok(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "✓ "+format+"\n", args...)
}

func (r *doctorReport) warn(action, format string, args ...interface{}) {
	r.warnings++
	fmt.Fprintf(r.w, "⚠ "+format+"\n", args...)
	if action != "" {
		fmt.Fprintf(r.w, "  Action: %s\n", action)
	}
}

func (r *doctorReport) fail(action, format string, args ...interface{}) {
	r.critical++
	fmt.Fprintf(r.w, "✗ "+format+"\n", args...)
	if action != "" {
		fmt.Fprintf(r.w, "  Action: %s\n", action)
	}
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *zap.Logger, w io.Writer) error {
	fmt.Fprintln(w, "Running trustmonitor diagnostics...")
	fmt.Fprintln(w)
	r := &doctorReport{w: w}
	r.ok("Configuration valid (root %s)", cfg.Paths.Root)

	v := trust.NewVerifier(cfg, logger)
	if err := v.Preflight(); err != nil {
		r.fail("run 'trustmonitor manifest build' and sign the manifest", "%v", err)
	} else {
		r.ok("Manifest, signature and public key readable")
	}

	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		r.fail("check permissions on "+cfg.Paths.StateDir, "State database unusable: %v", err)
	} else {
		st.Close()
		r.ok("State database ready: %s", cfg.Paths.Database)
	}

	if len(cfg.Watchdog.Services) > 0 {
		if path, err := exec.LookPath("systemctl"); err != nil {
			r.fail("install systemd or clear watchdog.services", "systemctl not found")
		} else {
			r.ok("systemctl found: %s (%d services watched)", path, len(cfg.Watchdog.Services))
		}
	}

	handles, err := plugins.Discover(ctx, cfg.Health.PluginDir, plugins.ExecOptions{
		Timeout: cfg.Health.PluginTimeout,
		Grace:   cfg.Watchdog.GracePeriod,
		Env:     plugins.PluginEnv(cfg),
	}, logger)
	switch {
	case err != nil:
		r.warn("", "Plugin directory unreadable: %v", err)
	case len(handles) == 0:
		r.ok("%d built-in checks, no external plugins in %s", len(cfg.Health.Builtins), cfg.Health.PluginDir)
	default:
		r.ok("%d built-in checks, %d external plugins", len(cfg.Health.Builtins), len(handles))
	}

	if sensor := hal.SelectSensor(cfg.Sensor, logger); sensor.Name() == "simulated" {
		r.warn("", "Sensor is simulated (no device at %s)", cfg.Sensor.Device)
	} else {
		r.ok("Sensor: %s", sensor.Name())
	}
	if ind := hal.SelectIndicator(cfg.Indicator, logger); ind.Name() == "simulated" {
		r.warn("", "Indicator is simulated (no LEDs under %s)", cfg.Indicator.LEDRoot)
	} else {
		r.ok("Indicator: %s", ind.Name())
	}

	if _, err := resources.NewSampler(cfg.Resources); err != nil {
		r.fail("check resources.proc_root", "Resource sampling unavailable: %v", err)
	} else {
		r.ok("Resource sampling from %s", cfg.Resources.ProcRoot)
	}

	if dir := cfg.Metrics.TextfileDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			r.warn("create "+dir+" or clear metrics.textfile_dir", "Metrics directory missing: %s", dir)
		} else {
			r.ok("Metrics exported to %s", dir)
		}
	}

	if key := cfg.Signature.PrivateKey; key != "" {
		info, err := os.Stat(key)
		switch {
		case err != nil:
			r.warn("", "Signing key unreadable: %v", err)
		case info.Mode().Perm()&0077 != 0:
			r.warn("chmod 600 "+key, "Signing key is accessible to other users")
		default:
			r.ok("Signing key present; recovery can re-sign locally")
		}
	} else {
		r.ok("No signing key; recovery writes %s", cfg.Recovery.SignatureRequestFile)
	}

	if running, _ := daemon.IsRunning(cfg.Watchdog.PIDFile); running {
		pid, _ := daemon.PID(cfg.Watchdog.PIDFile)
		r.ok("Watchdog daemon running (PID %d)", pid)
	} else {
		r.warn("run 'trustmonitor watchdog --daemon' or 'trustmonitor run'", "Watchdog daemon not running")
	}

	fmt.Fprintln(w)
	switch {
	case r.critical > 0:
		fmt.Fprintf(w, "Found %d critical issue(s) and %d warning(s).\n", r.critical, r.warnings)
		return terrors.DependencyError(fmt.Sprintf("%d startup check(s) failed", r.critical), nil)
	case r.warnings > 0:
		fmt.Fprintf(w, "Found %d warning(s). The device can boot.\n", r.warnings)
	default:
		fmt.Fprintln(w, "✓ All checks passed!")
	}
	return nil
}
