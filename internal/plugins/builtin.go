package plugins

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/health"
	"github.com/blackwell-systems/trustmonitor/internal/metrics"
	"github.com/blackwell-systems/trustmonitor/internal/resources"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
	"github.com/blackwell-systems/trustmonitor/internal/watchdog"
)

// Deps are the collaborators built-in checks may need. Nil members are
// created from the configuration on demand.
type Deps struct {
	Sampler  *resources.Sampler
	Sensor   hal.SensorReader
	Verifier *trust.Verifier
	Metrics  *metrics.Recorder
}

// NewBuiltin constructs the named built-in check.
func NewBuiltin(name string, cfg *config.Config, deps *Deps, logger *zap.Logger) (Checker, error) {
	switch name {
	case "cpu", "memory":
		if deps.Sampler == nil {
			s, err := resources.NewSampler(cfg.Resources)
			if err != nil {
				return nil, err
			}
			deps.Sampler = s
		}
		if name == "cpu" {
			return &cpuCheck{sampler: deps.Sampler, cfg: cfg.Resources}, nil
		}
		return &memoryCheck{sampler: deps.Sampler, cfg: cfg.Resources}, nil
	case "disk":
		return &diskCheck{cfg: cfg.Resources}, nil
	case "sensor":
		if deps.Sensor == nil {
			deps.Sensor = hal.SelectSensor(cfg.Sensor, logger)
		}
		return &sensorCheck{reader: deps.Sensor, cfg: cfg.Sensor}, nil
	case "integrity":
		if deps.Verifier == nil {
			deps.Verifier = trust.NewVerifier(cfg, logger)
		}
		return NewIntegrityCheck(deps.Verifier, cfg.Integrity.MinRecheck, deps.Metrics), nil
	case "watchdog":
		return &watchdogCheck{statusFile: cfg.Watchdog.StatusFile, stale: 3 * cfg.Watchdog.Interval}, nil
	}
	return nil, fmt.Errorf("unknown built-in check %q", name)
}

// Load builds the registry: configured built-ins first, then executables
// discovered in the plugin directory. An executable whose name clashes
// with a built-in is skipped.
func Load(ctx context.Context, cfg *config.Config, deps *Deps, logger *zap.Logger) (*Registry, error) {
	if deps == nil {
		deps = &Deps{}
	}
	reg := NewRegistry(cfg.Health.PluginTimeout, logger)

	for _, name := range cfg.Health.Builtins {
		c, err := NewBuiltin(name, cfg, deps, logger)
		if err != nil {
			return nil, terrors.PluginError(name, err)
		}
		if err := reg.Register(&Handle{Name: name, Source: SourceBuiltin, Checker: c}); err != nil {
			return nil, terrors.PluginError(name, err)
		}
	}

	handles, err := Discover(ctx, cfg.Health.PluginDir, ExecOptions{
		Timeout: cfg.Health.PluginTimeout,
		Grace:   cfg.Watchdog.GracePeriod,
		Env:     PluginEnv(cfg),
	}, logger)
	if err != nil {
		return nil, terrors.PluginError(cfg.Health.PluginDir, err)
	}
	for _, h := range handles {
		if err := reg.Register(h); err != nil {
			logger.Warn("skipping plugin", zap.String("path", h.Path), zap.Error(err))
		}
	}

	logger.Info("plugins registered", zap.Int("count", reg.Len()))
	return reg, nil
}

// PluginEnv is the environment external plugins run with: a fixed PATH and
// the configuration values they may need.
func PluginEnv(cfg *config.Config) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"TRUSTMONITOR_ROOT=" + cfg.Paths.Root,
		"TRUSTMONITOR_STATE_DIR=" + cfg.Paths.StateDir,
		"TRUSTMONITOR_MANIFEST=" + cfg.Integrity.Manifest,
		"TRUSTMONITOR_WATCHDOG_STATUS=" + cfg.Watchdog.StatusFile,
	}
}

type cpuCheck struct {
	sampler *resources.Sampler
	cfg     config.ResourcesConfig
}

func (c *cpuCheck) Describe() string { return "one-minute load average per CPU" }

func (c *cpuCheck) Check() (health.Status, string) {
	load1, perCPU, err := c.sampler.Load()
	if err != nil {
		return health.Error, err.Error()
	}
	return resources.Level(perCPU, c.cfg.LoadWarn, c.cfg.LoadError),
		fmt.Sprintf("load %.2f (%.2f per cpu)", load1, perCPU)
}

type memoryCheck struct {
	sampler *resources.Sampler
	cfg     config.ResourcesConfig
}

func (c *memoryCheck) Describe() string { return "memory in use" }

func (c *memoryCheck) Check() (health.Status, string) {
	total, avail, used, err := c.sampler.Memory()
	if err != nil {
		return health.Error, err.Error()
	}
	return resources.Level(used, c.cfg.MemoryWarnPercent, c.cfg.MemoryErrorPercent),
		fmt.Sprintf("%.1f%% used, %s of %s available", used, humanize.IBytes(avail), humanize.IBytes(total))
}

type diskCheck struct {
	cfg config.ResourcesConfig
}

func (c *diskCheck) Describe() string { return "disk usage of " + c.cfg.DiskPath }

func (c *diskCheck) Check() (health.Status, string) {
	total, free, used, err := resources.Disk(c.cfg.DiskPath)
	if err != nil {
		return health.Error, err.Error()
	}
	return resources.Level(used, c.cfg.DiskWarnPercent, c.cfg.DiskErrorPercent),
		fmt.Sprintf("%.1f%% used, %s of %s free", used, humanize.IBytes(free), humanize.IBytes(total))
}

type sensorCheck struct {
	reader hal.SensorReader
	cfg    config.SensorConfig
}

func (c *sensorCheck) Describe() string { return "temperature and humidity (" + c.reader.Name() + ")" }

func (c *sensorCheck) Check() (health.Status, string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.CheckContext(ctx)
}

func (c *sensorCheck) CheckContext(ctx context.Context) (health.Status, string) {
	r, err := c.reader.Read(ctx)
	if err != nil {
		return health.Error, "sensor read failed: " + err.Error()
	}
	st := health.Worst(
		resources.Level(r.Temperature, c.cfg.TempWarn, c.cfg.TempError),
		resources.Level(r.Humidity, c.cfg.HumidityWarn, c.cfg.HumidityError),
	)
	msg := fmt.Sprintf("temperature %.1fC humidity %.1f%%", r.Temperature, r.Humidity)
	if r.Simulated {
		msg += " (simulated)"
	}
	return st, msg
}

// IntegrityCheck runs two-stage verification at most once per interval and
// reports the cached result in between. Force lets a filesystem change
// bypass the cache. A check that arrives while a verification is still
// running gets the cached result instead of queueing behind it.
type IntegrityCheck struct {
	verifier *trust.Verifier
	limiter  *rate.Limiter
	metrics  *metrics.Recorder

	// running is held for the duration of one verification.
	running sync.Mutex

	mu     sync.Mutex
	last   health.Status
	msg    string
	at     time.Time
	forced bool
}

// NewIntegrityCheck creates the check. minInterval <= 0 disables caching.
func NewIntegrityCheck(v *trust.Verifier, minInterval time.Duration, rec *metrics.Recorder) *IntegrityCheck {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &IntegrityCheck{
		verifier: v,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  rec,
	}
}

func (c *IntegrityCheck) Describe() string { return "manifest hashes and signature" }

// Force makes the next Check verify regardless of the rate limit.
func (c *IntegrityCheck) Force() {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
}

func (c *IntegrityCheck) Check() (health.Status, string) {
	if !c.running.TryLock() {
		return c.inProgress()
	}
	defer c.running.Unlock()

	c.mu.Lock()
	if !c.forced && !c.at.IsZero() && !c.limiter.Allow() {
		defer c.mu.Unlock()
		return c.last, c.msg + " (cached " + humanize.Time(c.at) + ")"
	}
	c.forced = false
	if c.at.IsZero() {
		// the first check consumes the initial token
		c.limiter.Allow()
	}
	c.mu.Unlock()

	report, err := c.verifier.Verify()
	c.metrics.ObserveVerification(err == nil)

	var st health.Status
	var msg string
	switch {
	case err == nil:
		st, msg = health.OK, fmt.Sprintf("%d files verified, signature valid (%s)", report.Integrity.Checked, report.KeyName)
	case terrors.GetCode(err) == terrors.CodeIntegrityFailed:
		st, msg = health.Error, "integrity check failed: "+strings.Join(report.FailedPaths(), ", ")
	case terrors.GetCode(err) == terrors.CodeSignatureFailed:
		st, msg = health.Error, "signature invalid: "+report.SignatureErr.Error()
	default:
		st, msg = health.Error, err.Error()
	}

	c.mu.Lock()
	c.last, c.msg, c.at = st, msg, time.Now()
	c.mu.Unlock()
	return st, msg
}

func (c *IntegrityCheck) inProgress() (health.Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() {
		return health.Warn, "first verification in progress"
	}
	return c.last, c.msg + " (verification in progress, result from " + humanize.Time(c.at) + ")"
}

type watchdogCheck struct {
	statusFile string
	stale      time.Duration
}

func (c *watchdogCheck) Describe() string { return "watchdog status record" }

func (c *watchdogCheck) Check() (health.Status, string) {
	rec, err := watchdog.ReadStatus(c.statusFile)
	if err != nil {
		if os.IsNotExist(err) {
			return health.Warn, "watchdog has not reported yet"
		}
		return health.Error, err.Error()
	}
	if c.stale > 0 && time.Since(rec.LastCheck) > c.stale {
		return health.Warn, "watchdog status is stale (last check " + humanize.Time(rec.LastCheck) + ")"
	}
	return rec.Status, "last action: " + rec.LastAction
}
