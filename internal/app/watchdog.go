package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/output"
	"github.com/blackwell-systems/trustmonitor/internal/resources"
	"github.com/blackwell-systems/trustmonitor/internal/watchdog"
)

var (
	watchdogOnce        bool
	watchdogDaemon      bool
	watchdogDaemonChild bool
	watchdogStop        bool

	watchdogCmd = &cobra.Command{
		Use:   "watchdog",
		Short: "Watch services, resources and stuck processes",
		Long: `Every watchdog.interval the watchdog:

  • queries each configured systemd service and restarts inactive ones,
    up to watchdog.max_retries attempts with watchdog.retry_delay between
  • samples load, memory and disk usage against the resource thresholds
  • scans for processes stuck in uninterruptible sleep

Results go to the state database and to the key=value status file that
the 'watchdog' health check and external tooling read.

Watchdog modes:
  • Foreground (default): run until Ctrl+C
  • Daemon: run in the background with a PID file
  • Stop: stop a running daemon`,
		Example: `  # One tick, printed as a table
  trustmonitor watchdog --once

  # Run as background daemon
  trustmonitor watchdog --daemon

  # Stop running daemon
  trustmonitor watchdog --stop`,
		RunE: runWatchdogCmd,
	}
)

func init() {
	watchdogCmd.Flags().BoolVar(&watchdogOnce, "once", false, "run a single tick and print the results")
	watchdogCmd.Flags().BoolVar(&watchdogDaemon, "daemon", false, "run as background daemon")
	watchdogCmd.Flags().BoolVar(&watchdogDaemonChild, "daemon-child", false, "internal flag for daemon child process")
	watchdogCmd.Flags().BoolVar(&watchdogStop, "stop", false, "stop running daemon")
	watchdogCmd.MarkFlagsMutuallyExclusive("once", "daemon", "stop")

	// Hide the internal daemon-child flag from help
	watchdogCmd.Flags().MarkHidden("daemon-child")
	RootCmd.AddCommand(watchdogCmd)
}

func runWatchdogCmd(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	if watchdogStop || watchdogDaemon {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if watchdogStop {
			return stopWatchdogDaemon(cfg, w)
		}
		return startWatchdogDaemon(cfg, w)
	}

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := daemon.SignalContext(cmd.Context())
	defer stop()

	if watchdogDaemonChild {
		defer func() {
			if err := daemon.RemovePID(e.cfg.Watchdog.PIDFile); err != nil {
				e.logger.Warn("failed to remove PID file", zap.Error(err))
			}
		}()
	}
	return runWatchdog(ctx, e, w, watchdogOnce)
}

// buildWatchdog resolves the watchdog's external dependencies. A missing
// systemctl (with services configured) or an unreadable proc root is a
// dependency error before any loop starts.
func buildWatchdog(e *env) (*watchdog.Watchdog, error) {
	sampler, err := resources.NewSampler(e.cfg.Resources)
	if err != nil {
		return nil, terrors.DependencyError("proc filesystem "+e.cfg.Resources.ProcRoot, err)
	}
	services := watchdog.NewSystemd(e.cfg.Watchdog.GracePeriod)
	if len(e.cfg.Watchdog.Services) > 0 {
		if services, err = watchdog.LookupSystemd(e.cfg.Watchdog.GracePeriod); err != nil {
			return nil, terrors.DependencyError("systemctl", err)
		}
	}
	return watchdog.New(e.cfg,
		services,
		sampler,
		e.store,
		metricsFor(e, "watchdog"),
		e.logger,
	), nil
}

func runWatchdog(ctx context.Context, e *env, w io.Writer, once bool) error {
	wd, err := buildWatchdog(e)
	if err != nil {
		return err
	}
	if !once {
		return wd.Run(ctx)
	}

	out := wd.Tick(ctx)
	fmt.Fprint(w, renderOutcome(out))
	return statusErr(out.Status, "watchdog")
}

func renderOutcome(out *watchdog.Outcome) string {
	var sb strings.Builder
	if len(out.Services) == 0 {
		sb.WriteString("No services configured.\n")
	} else {
		sb.WriteString(fmt.Sprintf("%-20s %-7s %-9s %s\n", "Service", "Status", "Attempts", "Failures"))
		for _, s := range out.Services {
			sb.WriteString(fmt.Sprintf("%-20s %-7s %-9d %d\n", s.Service, s.Status(), s.Attempts, s.ConsecutiveFailures))
		}
	}
	for _, b := range out.Breaches {
		sb.WriteString("⚠ " + b.String() + "\n")
	}
	if len(out.SampleErrors) > 0 {
		sb.WriteString("⚠ could not read: " + strings.Join(out.SampleErrors, ", ") + "\n")
	}
	for _, p := range out.Stuck {
		sb.WriteString(fmt.Sprintf("⚠ process %d (%s) in uninterruptible sleep\n", p.PID, p.Comm))
	}
	sb.WriteString(fmt.Sprintf("Overall: %s\n", out.Status))
	return sb.String()
}

func stopWatchdogDaemon(cfg *config.Config, w io.Writer) error {
	running, err := daemon.IsRunning(cfg.Watchdog.PIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if !running {
		fmt.Fprintln(w, "Watchdog daemon is not running")
		return nil
	}

	spinner := output.NewSpinner("Stopping watchdog daemon")
	spinner.Start()
	if err := daemon.Stop(cfg.Watchdog.PIDFile, 2*cfg.Watchdog.GracePeriod); err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Watchdog daemon stopped")
	return nil
}

func startWatchdogDaemon(cfg *config.Config, w io.Writer) error {
	args := []string{"watchdog"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		args = append(args, "--config", abs)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}

	pid, err := daemon.Start(cfg.Watchdog.PIDFile, cfg.Watchdog.LogFile, args)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "✓ Watchdog daemon started (PID %d)\n", pid)
	fmt.Fprintf(w, "  PID file: %s\n", cfg.Watchdog.PIDFile)
	fmt.Fprintf(w, "  Log file: %s\n", cfg.Watchdog.LogFile)
	fmt.Fprintf(w, "\nTo stop: trustmonitor watchdog --stop\n")
	return nil
}
