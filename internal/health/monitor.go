package health

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/metrics"
	"github.com/blackwell-systems/trustmonitor/internal/store"
)

// Runner executes every registered check once, sequentially, in
// registration order.
type Runner interface {
	RunAll(ctx context.Context) []CheckResult
}

// Report is the outcome of one tick.
type Report struct {
	At       time.Time
	Summary  Summary
	Results  []CheckResult
	Duration time.Duration
}

// IndicatorState maps an aggregate status to the indicator.
func IndicatorState(s Status) hal.State {
	switch s {
	case OK:
		return hal.StateHealthy
	case Warn:
		return hal.StateWarning
	default:
		return hal.StateError
	}
}

// lifecycleComponent is the store key for the monitor loop.
const lifecycleComponent = "monitor"

// Monitor runs ticks on a fixed interval. Ticks never overlap: a tick that
// takes longer than the interval delays the next one.
type Monitor struct {
	runner    Runner
	indicator hal.IndicatorDriver
	store     *store.Store
	metrics   *metrics.Recorder
	logger    *zap.Logger
	interval  time.Duration
	trigger   chan struct{}
}

// NewMonitor creates a monitor. st and rec may be nil.
func NewMonitor(runner Runner, indicator hal.IndicatorDriver, st *store.Store, rec *metrics.Recorder, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		runner:    runner,
		indicator: indicator,
		store:     st,
		metrics:   rec,
		logger:    logger,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an immediate tick. Requests made while one is already
// pending are coalesced.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// RunOnce executes one tick: run every check, reduce, push the indicator,
// persist the report and export metrics.
func (m *Monitor) RunOnce(ctx context.Context) *Report {
	start := time.Now()
	results := m.runner.RunAll(ctx)
	report := &Report{
		At:       start,
		Summary:  Summarize(results),
		Results:  results,
		Duration: time.Since(start),
	}

	for _, r := range results {
		fields := []zap.Field{
			zap.String("check", r.Name),
			zap.String("status", r.Status.String()),
			zap.String("message", r.Message),
			zap.Duration("duration", r.Duration),
		}
		switch r.Status {
		case OK:
			m.logger.Debug("check result", fields...)
		case Warn:
			m.logger.Warn("check result", fields...)
		default:
			m.logger.Error("check result", fields...)
		}
		m.metrics.ObserveCheck(r.Name, int(r.Status))
	}

	if err := m.indicator.Set(ctx, IndicatorState(report.Summary.Overall)); err != nil {
		m.logger.Warn("failed to update indicator", zap.Error(err))
	}

	if m.store != nil {
		if _, err := m.store.InsertHealthReport(toStoreReport(report)); err != nil {
			m.logger.Warn("failed to persist health report", zap.Error(err))
		}
	}

	m.metrics.ObserveTick(int(report.Summary.Overall), report.Duration, time.Now())
	if err := m.metrics.Flush(); err != nil {
		m.logger.Warn("failed to write metrics", zap.Error(err))
	}

	m.logger.Info("health tick complete",
		zap.String("overall", report.Summary.Overall.String()),
		zap.Strings("warn", report.Summary.Warn),
		zap.Strings("error", report.Summary.Error),
		zap.Int("checks", len(results)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// Run ticks until ctx is cancelled. It records a lifecycle start marker,
// reports whether the previous run stopped cleanly, and records a clean
// stop on return.
func (m *Monitor) Run(ctx context.Context) error {
	if m.store != nil {
		prev, err := m.store.MarkStarted(lifecycleComponent, os.Getpid())
		if err != nil {
			m.logger.Warn("failed to record start", zap.Error(err))
		} else if prev.Crashed() {
			m.logger.Warn("previous monitor run did not stop cleanly",
				zap.Int("pid", prev.PID),
				zap.Time("started_at", prev.StartedAt),
			)
		}
		defer func() {
			if err := m.store.MarkStopped(lifecycleComponent); err != nil {
				m.logger.Warn("failed to record stop", zap.Error(err))
			}
		}()
	}

	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-timer.C:
		case <-m.trigger:
			m.logger.Debug("out-of-band tick requested")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		report := m.RunOnce(ctx)
		wait := m.interval - report.Duration
		if wait <= 0 {
			m.logger.Warn("health tick overran interval",
				zap.Duration("duration", report.Duration),
				zap.Duration("interval", m.interval),
			)
			wait = 0
		}
		timer.Reset(wait)
	}
}

func toStoreReport(r *Report) *store.HealthReport {
	checks := make([]store.CheckEntry, 0, len(r.Results))
	for _, c := range r.Results {
		checks = append(checks, store.CheckEntry{
			Name:    c.Name,
			Status:  c.Status.String(),
			Message: c.Message,
		})
	}
	return &store.HealthReport{
		At:       r.At,
		Overall:  r.Summary.Overall.String(),
		Warn:     r.Summary.Warn,
		Error:    r.Summary.Error,
		Checks:   checks,
		Duration: r.Duration,
	}
}
