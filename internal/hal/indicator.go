package hal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
)

// State is what the indicator shows. The indicator latches the last state
// it was given; nothing ever reads it back from hardware.
type State string

const (
	StateBooting State = "booting"
	StateHealthy State = "healthy"
	StateWarning State = "warning"
	StateError   State = "error"
	StateOff     State = "off"
)

// ParseState accepts the five indicator states.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateBooting, StateHealthy, StateWarning, StateError, StateOff:
		return st, nil
	}
	return "", fmt.Errorf("unknown indicator state %q", s)
}

// IndicatorDriver pushes a state to the indicator.
type IndicatorDriver interface {
	Set(ctx context.Context, s State) error
	Name() string
}

// Color is an RGB LED channel combination.
type Color struct {
	Red, Green, Blue bool
}

// colorSpec is a color plus whether the red channel blinks.
type colorSpec struct {
	Color
	Blink bool
}

var stateColors = map[State]colorSpec{
	StateBooting: {Color: Color{Red: true, Green: true}},
	StateHealthy: {Color: Color{Green: true}},
	StateWarning: {Color: Color{Blue: true}},
	StateError:   {Color: Color{Red: true}, Blink: true},
	StateOff:     {},
}

// ColorFor returns the LED color used for a state.
func ColorFor(s State) Color {
	return stateColors[s].Color
}

// SysfsLED drives three LED class devices, one per color channel.
type SysfsLED struct {
	root  string
	red   string
	green string
	blue  string
}

// NewSysfsLED returns a driver for the LEDs named in cfg.
func NewSysfsLED(cfg config.IndicatorConfig) *SysfsLED {
	return &SysfsLED{root: cfg.LEDRoot, red: cfg.Red, green: cfg.Green, blue: cfg.Blue}
}

func (l *SysfsLED) Name() string { return "sysfs" }

// Available reports whether all three channels exist.
func (l *SysfsLED) Available() bool {
	for _, name := range []string{l.red, l.green, l.blue} {
		if _, err := os.Stat(filepath.Join(l.root, name, "brightness")); err != nil {
			return false
		}
	}
	return true
}

// Set writes each channel's trigger and brightness. Writes run in a
// goroutine so ctx bounds a wedged sysfs write.
func (l *SysfsLED) Set(ctx context.Context, s State) error {
	spec, ok := stateColors[s]
	if !ok {
		return fmt.Errorf("unknown indicator state %q", s)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.apply(spec)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("indicator write timed out: %w", ctx.Err())
	}
}

func (l *SysfsLED) apply(spec colorSpec) error {
	channels := []struct {
		name  string
		on    bool
		blink bool
	}{
		{l.red, spec.Red, spec.Blink && spec.Red},
		{l.green, spec.Green, false},
		{l.blue, spec.Blue, false},
	}
	for _, ch := range channels {
		dir := filepath.Join(l.root, ch.name)
		trigger := "none"
		if ch.blink {
			trigger = "timer"
		}
		// trigger support is optional on GPIO LEDs
		_ = os.WriteFile(filepath.Join(dir, "trigger"), []byte(trigger), 0644)

		level := "0"
		if ch.on {
			level = "255"
		}
		if err := os.WriteFile(filepath.Join(dir, "brightness"), []byte(level), 0644); err != nil {
			return fmt.Errorf("failed to set %s: %w", ch.name, err)
		}
	}
	return nil
}

// SimulatedIndicator records states and logs them.
type SimulatedIndicator struct {
	mu      sync.Mutex
	history []State
	logger  *zap.Logger
}

// NewSimulatedIndicator creates a simulated indicator.
func NewSimulatedIndicator(logger *zap.Logger) *SimulatedIndicator {
	return &SimulatedIndicator{logger: logger}
}

func (s *SimulatedIndicator) Name() string { return "simulated" }

func (s *SimulatedIndicator) Set(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := stateColors[st]; !ok {
		return fmt.Errorf("unknown indicator state %q", st)
	}
	s.mu.Lock()
	s.history = append(s.history, st)
	s.mu.Unlock()
	c := ColorFor(st)
	s.logger.Debug("indicator", zap.String("state", string(st)),
		zap.Bool("red", c.Red), zap.Bool("green", c.Green), zap.Bool("blue", c.Blue))
	return nil
}

// History returns every state pushed so far.
func (s *SimulatedIndicator) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

// Last returns the most recent state, or StateOff.
func (s *SimulatedIndicator) Last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return StateOff
	}
	return s.history[len(s.history)-1]
}

// Latched pushes to the underlying driver only when the state changes and
// bounds every push with a timeout. It is safe for concurrent use by the
// monitor and boot paths.
type Latched struct {
	mu      sync.Mutex
	driver  IndicatorDriver
	timeout time.Duration
	current State
	set     bool
}

// NewLatched wraps driver.
func NewLatched(driver IndicatorDriver, cfg config.IndicatorConfig) *Latched {
	return &Latched{driver: driver, timeout: cfg.Timeout}
}

func (l *Latched) Name() string { return l.driver.Name() }

// Set pushes s if it differs from the latched state. Failures are
// categorized as indicator errors and leave the latch unchanged.
func (l *Latched) Set(ctx context.Context, s State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set && l.current == s {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.driver.Set(ctx, s); err != nil {
		return terrors.IndicatorError(err).WithDetail("state", string(s))
	}
	l.current, l.set = s, true
	return nil
}

// Current returns the latched state.
// Refresh pushes s even when it is already latched, for drivers that may
// have lost the state (an LED that was power cycled).
func (l *Latched) Refresh(ctx context.Context, s State) error {
	l.mu.Lock()
	l.set = false
	l.mu.Unlock()
	return l.Set(ctx, s)
}

func (l *Latched) Current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		return StateOff
	}
	return l.current
}

// SelectIndicator picks the driver named by cfg.Driver; "auto" uses sysfs
// when all three LEDs exist.
func SelectIndicator(cfg config.IndicatorConfig, logger *zap.Logger) *Latched {
	var driver IndicatorDriver
	switch cfg.Driver {
	case "sysfs":
		driver = NewSysfsLED(cfg)
	case "simulated":
		driver = NewSimulatedIndicator(logger)
	default:
		if led := NewSysfsLED(cfg); led.Available() {
			driver = led
		} else {
			driver = NewSimulatedIndicator(logger)
		}
	}
	logger.Info("indicator selected", zap.String("driver", driver.Name()))
	return NewLatched(driver, cfg)
}
