// Package config loads the trustmonitor configuration file.
//
// A Config is built once at startup by Load and then passed by pointer to
// every component. Nothing mutates it after Load returns, and no component
// reads the process environment on its own.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Signature SignatureConfig `yaml:"signature"`
	Boot      BootConfig      `yaml:"boot"`
	Health    HealthConfig    `yaml:"health"`
	Resources ResourcesConfig `yaml:"resources"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Backup    BackupConfig    `yaml:"backup"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// PathsConfig locates the protected tree and the engine's own state.
type PathsConfig struct {
	Root     string `yaml:"root" validate:"required"`
	StateDir string `yaml:"state_dir" validate:"required"`
	Database string `yaml:"database" validate:"required"`
}

// IntegrityConfig controls manifest building and verification.
type IntegrityConfig struct {
	Manifest       string        `yaml:"manifest" validate:"required"`
	Exclude        []string      `yaml:"exclude"`
	AllowUntracked bool          `yaml:"allow_untracked"`
	WatchChanges   bool          `yaml:"watch_changes"`
	MinRecheck     time.Duration `yaml:"min_recheck" validate:"gte=0"`
}

// DefaultPublicKey is where the verification key is read from unless
// configured otherwise.
const DefaultPublicKey = "/etc/trustmonitor/public.pem"

// SignatureConfig names the key material. PublicKey must live outside the
// protected root or on read-only media: whoever can write it can re-sign
// the tree. PrivateKey is optional and only set on provisioning hosts that
// may re-sign after a trust reset.
type SignatureConfig struct {
	PublicKey  string `yaml:"public_key" validate:"required"`
	File       string `yaml:"file" validate:"required"`
	PrivateKey string `yaml:"private_key"`
}

type BootConfig struct {
	HaltAnnounceInterval time.Duration `yaml:"halt_announce_interval" validate:"gt=0"`
	VerifyOnly           bool          `yaml:"verify_only"`
}

// HealthConfig drives the plugin monitor loop.
type HealthConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	PluginDir     string        `yaml:"plugin_dir"`
	PluginTimeout time.Duration `yaml:"plugin_timeout" validate:"gt=0"`
	Builtins      []string      `yaml:"builtins" validate:"dive,oneof=cpu memory disk sensor integrity watchdog"`
}

// ResourcesConfig holds the thresholds shared by the watchdog resource
// sample and the cpu/memory/disk checks. Load is the one-minute load
// average divided by the CPU count.
type ResourcesConfig struct {
	ProcRoot           string  `yaml:"proc_root" validate:"required"`
	DiskPath           string  `yaml:"disk_path" validate:"required"`
	LoadWarn           float64 `yaml:"load_warn" validate:"gt=0,ltfield=LoadError"`
	LoadError          float64 `yaml:"load_error" validate:"gt=0"`
	MemoryWarnPercent  float64 `yaml:"memory_warn_percent" validate:"gt=0,ltfield=MemoryErrorPercent"`
	MemoryErrorPercent float64 `yaml:"memory_error_percent" validate:"lte=100"`
	DiskWarnPercent    float64 `yaml:"disk_warn_percent" validate:"gt=0,ltfield=DiskErrorPercent"`
	DiskErrorPercent   float64 `yaml:"disk_error_percent" validate:"lte=100"`
}

// SensorConfig configures the temperature/humidity sensor.
type SensorConfig struct {
	Device        string        `yaml:"device"`
	Simulate      bool          `yaml:"simulate"`
	TempWarn      float64       `yaml:"temp_warn" validate:"ltfield=TempError"`
	TempError     float64       `yaml:"temp_error"`
	HumidityWarn  float64       `yaml:"humidity_warn" validate:"ltfield=HumidityError"`
	HumidityError float64       `yaml:"humidity_error" validate:"lte=100"`
	ReadAttempts  int           `yaml:"read_attempts" validate:"gte=1"`
	ReadDelay     time.Duration `yaml:"read_delay" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

// IndicatorConfig selects the status LED driver. LEDs are sysfs LED class
// names under LEDRoot.
type IndicatorConfig struct {
	Driver  string        `yaml:"driver" validate:"oneof=auto sysfs simulated"`
	LEDRoot string        `yaml:"led_root"`
	Red     string        `yaml:"red"`
	Green   string        `yaml:"green"`
	Blue    string        `yaml:"blue"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// WatchdogConfig drives service liveness checks and remediation.
type WatchdogConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	Services     []string      `yaml:"services" validate:"dive,required"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=1"`
	RetryDelay   time.Duration `yaml:"retry_delay" validate:"gte=0"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	GracePeriod  time.Duration `yaml:"grace_period" validate:"gte=0"`
	StatusFile   string        `yaml:"status_file" validate:"required"`
	PIDFile      string        `yaml:"pid_file" validate:"required"`
	LogFile      string        `yaml:"log_file" validate:"required"`
}

// RetentionPolicy bounds one snapshot category.
type RetentionPolicy struct {
	MaxAge   time.Duration `yaml:"max_age" validate:"gt=0"`
	MaxCount int           `yaml:"max_count" validate:"gte=1"`
}

// BackupConfig controls snapshots. Every snapshot holds the manifest, its
// signature and each file the manifest lists; Files names extra paths,
// relative to Paths.Root, that are not under manifest protection.
type BackupConfig struct {
	Root     string          `yaml:"root" validate:"required"`
	Files    []string        `yaml:"files" validate:"dive,required"`
	Critical RetentionPolicy `yaml:"critical"`
	Demo     RetentionPolicy `yaml:"demo"`
}

// RecoveryConfig lists known attack artifacts. Globs are relative to
// Paths.Root unless absolute. MarkerLines are stripped from protected files
// that cannot be restored from a snapshot.
type RecoveryConfig struct {
	ArtifactGlobs        []string `yaml:"artifact_globs"`
	MarkerLines          []string `yaml:"marker_lines"`
	SignatureRequestFile string   `yaml:"signature_request_file" validate:"required"`
	SkipForensicSnapshot bool     `yaml:"skip_forensic_snapshot"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// MetricsConfig enables the node-exporter textfile export when TextfileDir
// is set. Each loop writes its own trustmonitor_<loop>.prom file there.
type MetricsConfig struct {
	TextfileDir string `yaml:"textfile_dir"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Dir returns the configuration directory: /etc/trustmonitor for root,
// otherwise $XDG_CONFIG_HOME/trustmonitor (default ~/.config/trustmonitor).
func Dir() (string, error) {
	if os.Geteuid() == 0 {
		return "/etc/trustmonitor", nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "trustmonitor"), nil
}

// DefaultPath returns {Dir}/config.yaml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the YAML file at path, applies defaults and validates. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate checks field constraints and the relations between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Signature.File == c.Integrity.Manifest {
		return fmt.Errorf("invalid config: signature.file must differ from integrity.manifest")
	}
	if c.Indicator.Driver == "sysfs" && c.Indicator.LEDRoot == "" {
		return fmt.Errorf("invalid config: indicator.led_root is required for the sysfs driver")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Paths.Root == "" {
		cfg.Paths.Root = "/opt/trustmonitor/app"
	}
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "/var/lib/trustmonitor"
	}
	if cfg.Paths.Database == "" {
		cfg.Paths.Database = filepath.Join(cfg.Paths.StateDir, "trustmonitor.db")
	}

	if cfg.Integrity.Manifest == "" {
		cfg.Integrity.Manifest = "manifest.sha256"
	}
	cfg.Integrity.Manifest = resolve(cfg.Paths.Root, cfg.Integrity.Manifest)
	if cfg.Integrity.Exclude == nil {
		cfg.Integrity.Exclude = []string{".git", "logs", "__pycache__", "*.pyc", "*.tmp"}
	}
	if cfg.Integrity.MinRecheck == 0 {
		cfg.Integrity.MinRecheck = 10 * time.Second
	}

	if cfg.Signature.File == "" {
		cfg.Signature.File = cfg.Integrity.Manifest + ".sig"
	}
	cfg.Signature.File = resolve(cfg.Paths.Root, cfg.Signature.File)
	if cfg.Signature.PublicKey == "" {
		cfg.Signature.PublicKey = DefaultPublicKey
	}
	cfg.Signature.PublicKey = resolve(cfg.Paths.Root, cfg.Signature.PublicKey)
	if cfg.Signature.PrivateKey != "" {
		cfg.Signature.PrivateKey = resolve(cfg.Paths.Root, cfg.Signature.PrivateKey)
	}

	if cfg.Boot.HaltAnnounceInterval == 0 {
		cfg.Boot.HaltAnnounceInterval = 30 * time.Second
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 60 * time.Second
	}
	if cfg.Health.PluginDir == "" {
		cfg.Health.PluginDir = "plugins"
	}
	cfg.Health.PluginDir = resolve(cfg.Paths.Root, cfg.Health.PluginDir)
	if cfg.Health.PluginTimeout == 0 {
		cfg.Health.PluginTimeout = 10 * time.Second
	}
	if cfg.Health.Builtins == nil {
		cfg.Health.Builtins = []string{"cpu", "memory", "disk", "sensor", "integrity", "watchdog"}
	}

	if cfg.Resources.ProcRoot == "" {
		cfg.Resources.ProcRoot = "/proc"
	}
	if cfg.Resources.DiskPath == "" {
		cfg.Resources.DiskPath = "/"
	}
	if cfg.Resources.LoadWarn == 0 {
		cfg.Resources.LoadWarn = 1.0
	}
	if cfg.Resources.LoadError == 0 {
		cfg.Resources.LoadError = 2.0
	}
	if cfg.Resources.MemoryWarnPercent == 0 {
		cfg.Resources.MemoryWarnPercent = 80
	}
	if cfg.Resources.MemoryErrorPercent == 0 {
		cfg.Resources.MemoryErrorPercent = 90
	}
	if cfg.Resources.DiskWarnPercent == 0 {
		cfg.Resources.DiskWarnPercent = 80
	}
	if cfg.Resources.DiskErrorPercent == 0 {
		cfg.Resources.DiskErrorPercent = 90
	}

	if cfg.Sensor.Device == "" {
		cfg.Sensor.Device = "/sys/bus/iio/devices/iio:device0"
	}
	if cfg.Sensor.TempWarn == 0 {
		cfg.Sensor.TempWarn = 40
	}
	if cfg.Sensor.TempError == 0 {
		cfg.Sensor.TempError = 45
	}
	if cfg.Sensor.HumidityWarn == 0 {
		cfg.Sensor.HumidityWarn = 70
	}
	if cfg.Sensor.HumidityError == 0 {
		cfg.Sensor.HumidityError = 80
	}
	if cfg.Sensor.ReadAttempts == 0 {
		cfg.Sensor.ReadAttempts = 3
	}
	if cfg.Sensor.ReadDelay == 0 {
		cfg.Sensor.ReadDelay = 2 * time.Second
	}
	if cfg.Sensor.Timeout == 0 {
		cfg.Sensor.Timeout = 5 * time.Second
	}

	if cfg.Indicator.Driver == "" {
		cfg.Indicator.Driver = "auto"
	}
	if cfg.Indicator.LEDRoot == "" {
		cfg.Indicator.LEDRoot = "/sys/class/leds"
	}
	if cfg.Indicator.Red == "" {
		cfg.Indicator.Red = "rgb:red"
	}
	if cfg.Indicator.Green == "" {
		cfg.Indicator.Green = "rgb:green"
	}
	if cfg.Indicator.Blue == "" {
		cfg.Indicator.Blue = "rgb:blue"
	}
	if cfg.Indicator.Timeout == 0 {
		cfg.Indicator.Timeout = 2 * time.Second
	}

	if cfg.Watchdog.Interval == 0 {
		cfg.Watchdog.Interval = 60 * time.Second
	}
	if cfg.Watchdog.MaxRetries == 0 {
		cfg.Watchdog.MaxRetries = 3
	}
	if cfg.Watchdog.RetryDelay == 0 {
		cfg.Watchdog.RetryDelay = 10 * time.Second
	}
	if cfg.Watchdog.ProbeTimeout == 0 {
		cfg.Watchdog.ProbeTimeout = 10 * time.Second
	}
	if cfg.Watchdog.GracePeriod == 0 {
		cfg.Watchdog.GracePeriod = 5 * time.Second
	}
	if cfg.Watchdog.StatusFile == "" {
		cfg.Watchdog.StatusFile = filepath.Join(cfg.Paths.StateDir, "watchdog.status")
	}
	if cfg.Watchdog.PIDFile == "" {
		cfg.Watchdog.PIDFile = filepath.Join(cfg.Paths.StateDir, "watchdog.pid")
	}
	if cfg.Watchdog.LogFile == "" {
		cfg.Watchdog.LogFile = filepath.Join(cfg.Paths.StateDir, "watchdog.log")
	}

	if cfg.Backup.Root == "" {
		cfg.Backup.Root = filepath.Join(cfg.Paths.StateDir, "backups")
	}
	if cfg.Backup.Critical.MaxAge == 0 {
		cfg.Backup.Critical.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Backup.Critical.MaxCount == 0 {
		cfg.Backup.Critical.MaxCount = 10
	}
	if cfg.Backup.Demo.MaxAge == 0 {
		cfg.Backup.Demo.MaxAge = 24 * time.Hour
	}
	if cfg.Backup.Demo.MaxCount == 0 {
		cfg.Backup.Demo.MaxCount = 3
	}

	if cfg.Recovery.ArtifactGlobs == nil {
		cfg.Recovery.ArtifactGlobs = []string{"*.malicious", "hardware/*.injected", "/tmp/rot_attack_*"}
	}
	if cfg.Recovery.MarkerLines == nil {
		cfg.Recovery.MarkerLines = []string{"# MALICIOUS SENSOR CODE"}
	}
	if cfg.Recovery.SignatureRequestFile == "" {
		cfg.Recovery.SignatureRequestFile = cfg.Signature.File + ".request"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// resolve anchors a relative path at root.
func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
