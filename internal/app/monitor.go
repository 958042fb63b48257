package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/health"
	"github.com/blackwell-systems/trustmonitor/internal/integrity"
	"github.com/blackwell-systems/trustmonitor/internal/output"
	"github.com/blackwell-systems/trustmonitor/internal/plugins"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

var (
	monitorOnce bool

	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Run the health check loop",
		Long: `Runs every registered check unit once per health.interval, in registration
order, and pushes the worst status to the indicator. Built-in checks come
first, then executables discovered in health.plugin_dir.

A check that crashes or overruns health.plugin_timeout is reported as ERROR
and never stops the loop.`,
		Example: `  # One tick, printed as a table
  trustmonitor monitor --once

  # Run until interrupted
  trustmonitor monitor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx, stop := daemon.SignalContext(cmd.Context())
			defer stop()
			return runMonitor(ctx, e, cmd.OutOrStdout(), monitorOnce)
		},
	}
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "run a single tick and print the results")
	RootCmd.AddCommand(monitorCmd)
}

// healthLoop is a monitor plus the hook that forces a fresh integrity
// check on the next tick.
type healthLoop struct {
	monitor        *health.Monitor
	registry       *plugins.Registry
	forceIntegrity func()
}

func buildMonitor(ctx context.Context, e *env, indicator hal.IndicatorDriver) (*healthLoop, error) {
	rec := metricsFor(e, "monitor")
	reg, err := plugins.Load(ctx, e.cfg, &plugins.Deps{Metrics: rec}, e.logger)
	if err != nil {
		return nil, err
	}
	loop := &healthLoop{
		monitor:        health.NewMonitor(reg, indicator, e.store, rec, e.cfg.Health.Interval, e.logger),
		registry:       reg,
		forceIntegrity: func() {},
	}
	for _, h := range reg.Handles() {
		if ic, ok := h.Checker.(*plugins.IntegrityCheck); ok {
			loop.forceIntegrity = ic.Force
		}
	}
	return loop, nil
}

func runMonitor(ctx context.Context, e *env, w io.Writer, once bool) error {
	indicator := hal.SelectIndicator(e.cfg.Indicator, e.logger)
	loop, err := buildMonitor(ctx, e, indicator)
	if err != nil {
		return err
	}

	if once {
		report := loop.monitor.RunOnce(ctx)
		fmt.Fprint(w, output.RenderCheckTable(report.Results))
		return statusErr(report.Summary.Overall, "health")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.monitor.Run(gctx) })
	if e.cfg.Integrity.WatchChanges {
		g.Go(func() error { return watchChanges(gctx, e, loop) })
	}
	return g.Wait()
}

// watchChanges triggers an out-of-band tick with a forced integrity check
// whenever the protected tree changes.
func watchChanges(ctx context.Context, e *env, loop *healthLoop) error {
	w, err := integrity.NewWatcher(e.cfg.Paths.Root, trust.Excludes(e.cfg), 0, e.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-w.Changes():
			if !ok {
				return nil
			}
			e.logger.Warn("protected tree changed", zap.Strings("paths", ch.Paths))
			loop.forceIntegrity()
			loop.monitor.Trigger()
		}
	}
}

// statusErr maps a non-OK status to the warning or generic error exit code.
func statusErr(s health.Status, what string) error {
	switch s {
	case health.Warn:
		return terrors.Warning(what + " degraded")
	case health.Error:
		return terrors.New(terrors.CodeError, what+" check failed", nil)
	}
	return nil
}
