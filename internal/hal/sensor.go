package hal

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/retry"
)

// Reading is one temperature/humidity sample.
type Reading struct {
	Temperature float64 // degrees Celsius
	Humidity    float64 // percent relative humidity
	At          time.Time
	Simulated   bool
}

// SensorReader takes one sample.
type SensorReader interface {
	Read(ctx context.Context) (Reading, error)
	Name() string
}

// IIOSensor reads a DHT11/DHT22 through the Linux IIO dht11 driver, which
// reports milli-degrees and milli-percent.
type IIOSensor struct {
	device string
}

// NewIIOSensor returns a reader for the IIO device directory.
func NewIIOSensor(device string) *IIOSensor {
	return &IIOSensor{device: device}
}

func (s *IIOSensor) Name() string { return "iio:" + filepath.Base(s.device) }

// Available reports whether the device exposes both channels.
func (s *IIOSensor) Available() bool {
	for _, f := range []string{"in_temp_input", "in_humidityrelative_input"} {
		if _, err := os.Stat(filepath.Join(s.device, f)); err != nil {
			return false
		}
	}
	return true
}

// Read samples both channels. The dht11 driver blocks for the bus
// transaction, so the read runs in a goroutine bounded by ctx.
func (s *IIOSensor) Read(ctx context.Context) (Reading, error) {
	type result struct {
		r   Reading
		err error
	}
	done := make(chan result, 1)
	go func() {
		temp, err := readMilli(filepath.Join(s.device, "in_temp_input"))
		if err != nil {
			done <- result{err: err}
			return
		}
		hum, err := readMilli(filepath.Join(s.device, "in_humidityrelative_input"))
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{r: Reading{Temperature: temp, Humidity: hum, At: time.Now()}}
	}()

	select {
	case res := <-done:
		return res.r, res.err
	case <-ctx.Done():
		return Reading{}, fmt.Errorf("sensor read timed out: %w", ctx.Err())
	}
}

func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value in %s: %w", filepath.Base(path), err)
	}
	return float64(v) / 1000, nil
}

// SimulatedSensor returns plausible indoor values: 20-35 C, 40-70 %.
type SimulatedSensor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedSensor creates a simulated sensor with the given seed.
func NewSimulatedSensor(seed int64) *SimulatedSensor {
	return &SimulatedSensor{rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedSensor) Name() string { return "simulated" }

func (s *SimulatedSensor) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Reading{
		Temperature: round1(20 + s.rng.Float64()*15),
		Humidity:    round1(40 + s.rng.Float64()*30),
		At:          time.Now(),
		Simulated:   true,
	}, nil
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// RetryingSensor retries transient read failures with a fixed delay, each
// attempt bounded by its own timeout.
type RetryingSensor struct {
	inner   SensorReader
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
}

// NewRetryingSensor wraps inner with cfg's attempt count, delay and timeout.
func NewRetryingSensor(inner SensorReader, cfg config.SensorConfig, logger *zap.Logger) *RetryingSensor {
	return &RetryingSensor{
		inner:   inner,
		policy:  retry.Policy{MaxAttempts: cfg.ReadAttempts, Delay: cfg.ReadDelay},
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (s *RetryingSensor) Name() string { return s.inner.Name() }

// Read returns the first successful sample. Exhausted retries yield a
// sensor error.
func (s *RetryingSensor) Read(ctx context.Context) (Reading, error) {
	var reading Reading
	out := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		r, err := s.inner.Read(actx)
		if err != nil {
			s.logger.Debug("sensor read failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		reading = r
		return nil
	})
	if !out.Succeeded() {
		return Reading{}, terrors.SensorError(out.Err).WithDetail("attempts", out.Attempts)
	}
	return reading, nil
}

// SelectSensor returns the IIO sensor when present and not forced into
// simulation, wrapped with retries.
func SelectSensor(cfg config.SensorConfig, logger *zap.Logger) *RetryingSensor {
	var inner SensorReader
	if iio := NewIIOSensor(cfg.Device); !cfg.Simulate && iio.Available() {
		inner = iio
	} else {
		inner = NewSimulatedSensor(time.Now().UnixNano())
	}
	logger.Info("sensor selected", zap.String("sensor", inner.Name()))
	return NewRetryingSensor(inner, cfg, logger)
}
