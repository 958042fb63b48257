package app

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the health monitor and the watchdog together",
	Long: `Runs the monitor and watchdog loops side by side in one process until
SIGTERM or SIGINT. Each loop records a start marker and a clean-stop marker
so 'trustmonitor status' can tell a crash from a stop.

'trustmonitor boot' continues into this mode after a successful boot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()
		ctx, stop := daemon.SignalContext(cmd.Context())
		defer stop()
		return runLoops(ctx, e, hal.SelectIndicator(e.cfg.Indicator, e.logger))
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
}

func metricsFor(e *env, loop string) *metrics.Recorder {
	return metrics.New(e.cfg.Metrics.TextfileDir, loop, e.logger)
}

// runLoops runs monitor, watchdog and, when enabled, the change watcher
// until ctx is done or one of them fails.
func runLoops(ctx context.Context, e *env, indicator hal.IndicatorDriver) error {
	wd, err := buildWatchdog(e)
	if err != nil {
		return err
	}
	loop, err := buildMonitor(ctx, e, indicator)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.monitor.Run(gctx) })
	g.Go(func() error { return wd.Run(gctx) })
	if e.cfg.Integrity.WatchChanges {
		g.Go(func() error { return watchChanges(gctx, e, loop) })
	}
	return g.Wait()
}
