// Package watchdog checks service liveness, remediates with bounded
// retries, samples resources and scans for stuck processes on a fixed
// interval.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/health"
	"github.com/blackwell-systems/trustmonitor/internal/metrics"
	"github.com/blackwell-systems/trustmonitor/internal/resources"
	"github.com/blackwell-systems/trustmonitor/internal/retry"
	"github.com/blackwell-systems/trustmonitor/internal/store"
)

const (
	statusActive   = "active"
	statusInactive = "inactive"
	statusFailed   = "failed"

	actionRestart = "restart"

	lifecycleComponent = "watchdog"
)

// ErrStillInactive is returned by a remediation attempt whose restart
// command succeeded but whose service is still not active.
var ErrStillInactive = errors.New("service still inactive after restart")

// ServiceOutcome is one service's result within a tick.
type ServiceOutcome struct {
	Service             string
	Active              bool
	Attempts            int
	Recovered           bool
	Failed              bool
	ConsecutiveFailures int
	Err                 error
}

// Status grades the outcome: an active service is OK, one that needed a
// restart is WARN, one that stayed down is ERROR.
func (o ServiceOutcome) Status() health.Status {
	switch {
	case o.Failed:
		return health.Error
	case o.Recovered:
		return health.Warn
	}
	return health.OK
}

// Outcome is the overall result of one tick.
type Outcome struct {
	At         time.Time
	Status     health.Status
	Services   []ServiceOutcome
	Sample     *resources.Sample
	Breaches   []resources.Breach
	Stuck      []resources.StuckProcess
	// SampleErrors names the resource readings or scans that failed.
	SampleErrors []string
	LastAction   string
	Duration   time.Duration
}

// Watchdog runs the tick loop. It is not safe for concurrent Ticks.
type Watchdog struct {
	cfg      config.WatchdogConfig
	resCfg   config.ResourcesConfig
	services ServiceManager
	sampler  *resources.Sampler
	store    *store.Store
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// New creates a watchdog. sampler, st and rec may be nil; a nil sampler
// skips the resource and process scans.
func New(cfg *config.Config, services ServiceManager, sampler *resources.Sampler, st *store.Store, rec *metrics.Recorder, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		cfg:      cfg.Watchdog,
		resCfg:   cfg.Resources,
		services: services,
		sampler:  sampler,
		store:    st,
		metrics:  rec,
		logger:   logger,
		now:      time.Now,
		failures: make(map[string]int),
	}
}

// Tick checks every service, samples resources, scans for stuck processes
// and persists the result.
func (w *Watchdog) Tick(ctx context.Context) *Outcome {
	start := w.now()
	out := &Outcome{At: start}
	var actions []string

	for _, svc := range w.cfg.Services {
		so := w.checkService(ctx, svc)
		out.Services = append(out.Services, so)
		out.Status = health.Worst(out.Status, so.Status())
		switch {
		case so.Recovered:
			actions = append(actions, fmt.Sprintf("restarted %s (attempt %d)", svc, so.Attempts))
		case so.Failed:
			actions = append(actions, fmt.Sprintf("restart of %s failed after %d attempts", svc, so.Attempts))
		}
		w.metrics.ObserveService(svc, !so.Failed, so.ConsecutiveFailures)
	}

	if w.sampler != nil {
		w.sampleResources(out)
		w.scanStuck(out)
	}

	if len(actions) == 0 {
		out.LastAction = "none"
	} else {
		out.LastAction = strings.Join(actions, "; ")
	}
	out.Duration = w.now().Sub(start)

	w.writeStatus(out)
	w.metrics.ObserveTick(int(out.Status), out.Duration, w.now())
	if err := w.metrics.Flush(); err != nil {
		w.logger.Warn("failed to write metrics", zap.Error(err))
	}

	w.logger.Info("watchdog tick complete",
		zap.String("status", out.Status.String()),
		zap.String("last_action", out.LastAction),
		zap.Int("services", len(out.Services)),
		zap.Int("breaches", len(out.Breaches)),
		zap.Int("stuck", len(out.Stuck)),
		zap.Duration("duration", out.Duration),
	)
	return out
}

// probe bounds a single liveness query.
func (w *Watchdog) probe(ctx context.Context, svc string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.services.IsActive(ctx, svc)
}

func (w *Watchdog) checkService(ctx context.Context, svc string) ServiceOutcome {
	so := ServiceOutcome{Service: svc}

	active, err := w.probe(ctx, svc)
	if err != nil {
		// a probe that errors or times out counts as not alive
		w.logger.Warn("liveness probe failed", zap.String("service", svc), zap.Error(err))
	}
	if active {
		so.Active = true
		w.setFailures(svc, 0)
		w.saveRecord(svc, statusActive, 0, "")
		return so
	}

	w.logger.Warn("service not active, remediating",
		zap.String("service", svc),
		zap.Int("max_retries", w.cfg.MaxRetries),
	)
	// the attempt rows reference the service row
	prev := w.getFailures(svc)
	w.saveRecord(svc, statusInactive, prev, "")

	outcome := retry.Do(ctx, retry.Policy{MaxAttempts: w.cfg.MaxRetries, Delay: w.cfg.RetryDelay},
		func(ctx context.Context, attempt int) error {
			err := w.restart(ctx, svc)
			w.recordAttempt(svc, attempt, err)
			return err
		})
	so.Attempts = outcome.Attempts

	if outcome.Succeeded() {
		so.Active, so.Recovered = true, true
		w.setFailures(svc, 0)
		w.saveRecord(svc, statusActive, 0, actionRestart)
		w.logger.Info("service recovered", zap.String("service", svc), zap.Int("attempts", so.Attempts))
		return so
	}

	so.Failed = true
	so.Err = outcome.Err
	so.ConsecutiveFailures = prev + 1
	w.setFailures(svc, so.ConsecutiveFailures)
	w.saveRecord(svc, statusFailed, so.ConsecutiveFailures, actionRestart)
	w.alert("service_failed", svc, fmt.Sprintf("%s still down after %d restart attempts: %v",
		svc, so.Attempts, outcome.Err))
	return so
}

// restart is one remediation attempt: restart, then confirm liveness.
func (w *Watchdog) restart(ctx context.Context, svc string) error {
	rctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.services.Restart(rctx, svc)
	cancel()
	if err != nil {
		return err
	}
	active, err := w.probe(ctx, svc)
	if err != nil {
		return err
	}
	if !active {
		return ErrStillInactive
	}
	return nil
}

func (w *Watchdog) recordAttempt(svc string, attempt int, err error) {
	w.metrics.ObserveRemediation(svc, err == nil)
	if err != nil {
		w.logger.Warn("remediation attempt failed",
			zap.String("service", svc),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if w.store == nil {
		return
	}
	a := &store.WatchdogAttempt{
		Service: svc,
		Attempt: attempt,
		Action:  actionRestart,
		Success: err == nil,
		At:      w.now(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	if err := w.store.InsertWatchdogAttempt(a); err != nil {
		w.logger.Warn("failed to record attempt", zap.Error(err))
	}
}

// getFailures returns the consecutive failure count, loading it from the
// store the first time a service is seen.
func (w *Watchdog) getFailures(svc string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n, ok := w.failures[svc]; ok {
		return n
	}
	n := 0
	if w.store != nil {
		if rec, err := w.store.GetWatchdogRecord(svc); err == nil && rec != nil {
			n = rec.ConsecutiveFailures
		}
	}
	w.failures[svc] = n
	return n
}

func (w *Watchdog) setFailures(svc string, n int) {
	w.mu.Lock()
	w.failures[svc] = n
	w.mu.Unlock()
}

func (w *Watchdog) saveRecord(svc, status string, failures int, action string) {
	if w.store == nil {
		return
	}
	now := w.now()
	rec := &store.WatchdogRecord{
		Service:             svc,
		LastStatus:          status,
		ConsecutiveFailures: failures,
		LastCheckAt:         now,
	}
	if action != "" {
		rec.LastAction = action
		rec.LastActionAt = &now
	} else if prev, err := w.store.GetWatchdogRecord(svc); err == nil && prev != nil {
		rec.LastAction = prev.LastAction
		rec.LastActionAt = prev.LastActionAt
	}
	if err := w.store.UpsertWatchdogRecord(rec); err != nil {
		w.logger.Warn("failed to save watchdog record", zap.String("service", svc), zap.Error(err))
	}
}

func (w *Watchdog) sampleResources(out *Outcome) {
	sample, err := w.sampler.Sample()
	out.Sample = sample
	if err != nil {
		out.SampleErrors = append(out.SampleErrors, sample.Failed...)
		st := health.Warn
		if len(sample.Failed) == 3 {
			st = health.Error
		}
		out.Status = health.Worst(out.Status, st)
		w.alert("resource", "sample", fmt.Sprintf("resource sample incomplete (%s): %v",
			strings.Join(sample.Failed, ","), err))
	}
	w.metrics.ObserveResource("load_per_cpu", sample.LoadPerCPU)
	w.metrics.ObserveResource("memory_percent", sample.MemUsedPercent)
	w.metrics.ObserveResource("disk_percent", sample.DiskUsedPercent)

	out.Breaches = resources.Breaches(w.resCfg, sample)
	for _, b := range out.Breaches {
		out.Status = health.Worst(out.Status, b.Status)
		w.alert("resource", b.Resource, b.String())
	}
}

func (w *Watchdog) scanStuck(out *Outcome) {
	stuck, err := w.sampler.StuckProcesses()
	if err != nil {
		out.SampleErrors = append(out.SampleErrors, "process_scan")
		out.Status = health.Worst(out.Status, health.Warn)
		w.alert("resource", "process_scan", fmt.Sprintf("process scan failed: %v", err))
		return
	}
	out.Stuck = stuck
	w.metrics.ObserveStuck(len(stuck))
	if len(stuck) > 0 {
		out.Status = health.Worst(out.Status, health.Warn)
	}
	for _, p := range stuck {
		w.alert("stuck", fmt.Sprintf("pid %d", p.PID),
			fmt.Sprintf("%s (pid %d) in uninterruptible sleep", p.Comm, p.PID))
	}
}

// alert logs and records a watchdog event.
func (w *Watchdog) alert(kind, subject, message string) {
	w.logger.Error("watchdog alert",
		zap.String("kind", kind),
		zap.String("subject", subject),
		zap.String("message", message),
	)
	if w.store == nil {
		return
	}
	err := w.store.InsertWatchdogEvent(&store.WatchdogEvent{
		At:      w.now(),
		Kind:    kind,
		Subject: subject,
		Message: message,
	})
	if err != nil {
		w.logger.Warn("failed to record watchdog event", zap.Error(err))
	}
}

func (w *Watchdog) writeStatus(out *Outcome) {
	rec := &StatusRecord{
		Status:     out.Status,
		LastCheck:  out.At,
		LastAction: out.LastAction,
		Extra:      make(map[string]string),
	}
	var failed []string
	for _, s := range out.Services {
		if s.Failed {
			failed = append(failed, s.Service)
		}
	}
	if len(failed) > 0 {
		rec.Extra["failed_services"] = strings.Join(failed, ",")
	}
	if len(out.Breaches) > 0 {
		var names []string
		for _, b := range out.Breaches {
			names = append(names, b.Resource)
		}
		rec.Extra["breaches"] = strings.Join(names, ",")
	}
	if len(out.SampleErrors) > 0 {
		rec.Extra["sample_errors"] = strings.Join(out.SampleErrors, ",")
	}
	if len(out.Stuck) > 0 {
		rec.Extra["stuck_processes"] = fmt.Sprint(len(out.Stuck))
	}
	if err := WriteStatus(w.cfg.StatusFile, rec); err != nil {
		w.logger.Error("failed to write status file", zap.String("path", w.cfg.StatusFile), zap.Error(err))
	}
}

// Run ticks every interval until ctx is cancelled, recording lifecycle
// markers so the next start can tell a crash from a clean stop.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.store != nil {
		prev, err := w.store.MarkStarted(lifecycleComponent, os.Getpid())
		if err != nil {
			w.logger.Warn("failed to record start", zap.Error(err))
		} else if prev.Crashed() {
			w.logger.Warn("previous watchdog run did not stop cleanly", zap.Int("pid", prev.PID))
		}
		defer func() {
			if err := w.store.MarkStopped(lifecycleComponent); err != nil {
				w.logger.Warn("failed to record stop", zap.Error(err))
			}
		}()
	}

	w.logger.Info("watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Strings("services", w.cfg.Services),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}
