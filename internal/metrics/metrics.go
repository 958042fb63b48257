// Package metrics exports loop state as node-exporter textfile metrics.
// There is no HTTP listener; each loop rewrites its own .prom file after
// every tick.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "trustmonitor"

// Recorder holds the gauges for one loop. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry
	path     string

	overall       prometheus.Gauge
	tickDuration  prometheus.Gauge
	lastTick      prometheus.Gauge
	checkStatus   *prometheus.GaugeVec
	serviceUp     *prometheus.GaugeVec
	serviceFails  *prometheus.GaugeVec
	remediations  *prometheus.CounterVec
	resource      *prometheus.GaugeVec
	stuckProcs    prometheus.Gauge
	verifications *prometheus.CounterVec
}

// New creates a Recorder for loop (for example "monitor" or "watchdog").
// When dir is empty the Recorder keeps values in memory and Flush is a
// no-op.
func New(dir, loop string, logger *zap.Logger) *Recorder {
	labels := prometheus.Labels{"loop": loop}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		overall: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "overall_status",
			Help:        "Worst status of the last tick (0=OK, 1=WARN, 2=ERROR).",
			ConstLabels: labels,
		}),
		tickDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:        "Wall time of the last tick.",
			ConstLabels: labels,
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_tick_timestamp_seconds",
			Help:        "Unix time the last tick finished.",
			ConstLabels: labels,
		}),
		checkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "check_status",
			Help: "Status of each health check (0=OK, 1=WARN, 2=ERROR).",
		}, []string{"check"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_up",
			Help: "Whether the service was active at the end of the last tick.",
		}, []string{"service"}),
		serviceFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_consecutive_failures",
			Help: "Consecutive ticks the service ended down.",
		}, []string{"service"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remediation_attempts_total",
			Help: "Remediation attempts by outcome.",
		}, []string{"service", "result"}),
		resource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resource_usage",
			Help: "Sampled resource values (load per CPU, memory and disk percent used).",
		}, []string{"resource"}),
		stuckProcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stuck_processes",
			Help:        "Processes in uninterruptible sleep at the last scan.",
			ConstLabels: labels,
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verifications_total",
			Help: "Two-stage verification runs by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		r.overall, r.tickDuration, r.lastTick, r.checkStatus,
		r.serviceUp, r.serviceFails, r.remediations, r.resource,
		r.stuckProcs, r.verifications,
	)
	if dir != "" {
		r.path = filepath.Join(dir, fmt.Sprintf("%s_%s.prom", namespace, loop))
		logger.Debug("metrics textfile enabled", zap.String("path", r.path))
	}
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Path returns the textfile path, or "" when export is disabled.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// ObserveTick records the end of a tick.
func (r *Recorder) ObserveTick(overall int, d time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.overall.Set(float64(overall))
	r.tickDuration.Set(d.Seconds())
	r.lastTick.Set(float64(at.Unix()))
}

// ObserveCheck records one check's status.
func (r *Recorder) ObserveCheck(name string, status int) {
	if r == nil {
		return
	}
	r.checkStatus.WithLabelValues(name).Set(float64(status))
}

// ObserveService records a service's state after remediation.
func (r *Recorder) ObserveService(name string, up bool, consecutiveFailures int) {
	if r == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	r.serviceUp.WithLabelValues(name).Set(v)
	r.serviceFails.WithLabelValues(name).Set(float64(consecutiveFailures))
}

// ObserveRemediation counts one remediation attempt.
func (r *Recorder) ObserveRemediation(service string, success bool) {
	if r == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.remediations.WithLabelValues(service, result).Inc()
}

// ObserveResource records a sampled resource value.
func (r *Recorder) ObserveResource(name string, value float64) {
	if r == nil {
		return
	}
	r.resource.WithLabelValues(name).Set(value)
}

// ObserveStuck records the number of processes found in D state.
func (r *Recorder) ObserveStuck(n int) {
	if r == nil {
		return
	}
	r.stuckProcs.Set(float64(n))
}

// ObserveVerification counts a verification run.
func (r *Recorder) ObserveVerification(ok bool) {
	if r == nil {
		return
	}
	result := "failed"
	if ok {
		result = "passed"
	}
	r.verifications.WithLabelValues(result).Inc()
}

// Flush writes the textfile atomically. Callers log the error and carry on.
func (r *Recorder) Flush() error {
	if r == nil || r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(r.path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics %s: %w", r.path, err)
	}
	return nil
}
