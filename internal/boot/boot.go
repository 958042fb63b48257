// Package boot gates entry into operational mode on a successful two-stage
// verification. A failed boot ends in HALTED, which is terminal: the
// process only re-announces why it stopped until it is told to exit.
package boot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/store"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

// State is a boot sequencer state.
type State string

const (
	StateBooting   State = "BOOTING"
	StateVerifying State = "VERIFYING"
	StateHealthy   State = "HEALTHY"
	StateHalted    State = "HALTED"
)

// indicatorStates maps each sequencer state onto the indicator.
var indicatorStates = map[State]hal.State{
	StateBooting:   hal.StateBooting,
	StateVerifying: hal.StateBooting,
	StateHealthy:   hal.StateHealthy,
	StateHalted:    hal.StateError,
}

// Verifier is the part of trust.Verifier the sequencer needs.
type Verifier interface {
	Preflight() error
	Verify() (*trust.Report, error)
}

// Outcome is the terminal result of one boot.
type Outcome struct {
	BootID string
	State  State
	Reason string
	Report *trust.Report
	Err    error
}

// Sequencer runs the boot state machine once.
type Sequencer struct {
	verifier  Verifier
	indicator hal.IndicatorDriver
	store     *store.Store
	announce  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	outcome *Outcome
}

// New creates a sequencer. st may be nil. announce is the halt
// re-announcement cadence.
func New(verifier Verifier, indicator hal.IndicatorDriver, st *store.Store, announce time.Duration, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		verifier:  verifier,
		indicator: indicator,
		store:     st,
		announce:  announce,
		logger:    logger,
		state:     StateBooting,
	}
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) enter(ctx context.Context, st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.logger.Info("boot state", zap.String("state", string(st)))
	if err := s.indicator.Set(ctx, indicatorStates[st]); err != nil {
		s.logger.Warn("indicator update failed", zap.String("state", string(st)), zap.Error(err))
	}
}

// Boot runs BOOTING, VERIFYING and ends in HEALTHY or HALTED. The returned
// error is nil only for HEALTHY and is categorized otherwise: a missing
// manifest, signature or key is a dependency error, a hash mismatch an
// integrity failure and a bad signature a signature failure.
func (s *Sequencer) Boot(ctx context.Context) (*Outcome, error) {
	out := &Outcome{BootID: uuid.NewString()}
	logger := s.logger.With(zap.String("boot_id", out.BootID))

	s.enter(ctx, StateBooting)
	s.record(&store.BootEvent{BootID: out.BootID, StartedAt: time.Now(), State: string(StateBooting)}, logger)

	if err := s.verifier.Preflight(); err != nil {
		return s.halt(ctx, out, "startup dependency check failed", err, logger)
	}

	s.enter(ctx, StateVerifying)
	report, err := s.verifier.Verify()
	out.Report = report
	if err != nil {
		reason := "verification failed"
		switch {
		case terrors.Is(err, terrors.CodeIntegrityFailed):
			reason = "integrity check failed: " + strings.Join(report.FailedPaths(), ", ")
		case terrors.Is(err, terrors.CodeSignatureFailed):
			reason = "signature verification failed"
		}
		return s.halt(ctx, out, reason, err, logger)
	}

	s.enter(ctx, StateHealthy)
	out.State = StateHealthy
	s.finish(out, logger)
	s.setOutcome(out)
	logger.Info("boot complete", zap.Duration("verification", report.Duration))
	return out, nil
}

func (s *Sequencer) halt(ctx context.Context, out *Outcome, reason string, err error, logger *zap.Logger) (*Outcome, error) {
	s.enter(ctx, StateHalted)
	out.State = StateHalted
	out.Reason = reason
	out.Err = err
	s.finish(out, logger)
	s.setOutcome(out)
	logger.Error("boot halted", zap.String("reason", reason), zap.Error(err))
	return out, err
}

func (s *Sequencer) setOutcome(out *Outcome) {
	s.mu.Lock()
	s.outcome = out
	s.mu.Unlock()
}

// Halt holds the HALTED state, logging the reason every announce interval
// until ctx is done. It never resumes; the returned error is always a boot
// failure wrapping the verification error.
func (s *Sequencer) Halt(ctx context.Context) error {
	s.mu.Lock()
	out := s.outcome
	s.mu.Unlock()
	if out == nil || out.State != StateHalted {
		return terrors.BootFailed("halt requested without a failed boot", nil)
	}

	announce := func() {
		s.logger.Error("system halted: human intervention required",
			zap.String("boot_id", out.BootID),
			zap.String("reason", out.Reason),
			zap.String("recover", "trustmonitor recover --auto"))
	}
	announce()

	ticker := time.NewTicker(s.announce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("halt interrupted by shutdown", zap.String("boot_id", out.BootID))
			return terrors.BootFailed(out.Reason, out.Err)
		case <-ticker.C:
			announce()
			if err := s.repush(ctx); err != nil {
				s.logger.Warn("indicator update failed", zap.Error(err))
			}
		}
	}
}

// refresher is an indicator that can bypass its own latch.
type refresher interface {
	Refresh(ctx context.Context, st hal.State) error
}

// repush sends the error state again in case the indicator lost power.
func (s *Sequencer) repush(ctx context.Context) error {
	if r, ok := s.indicator.(refresher); ok {
		return r.Refresh(ctx, hal.StateError)
	}
	return s.indicator.Set(ctx, hal.StateError)
}

func (s *Sequencer) record(e *store.BootEvent, logger *zap.Logger) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertBootEvent(e); err != nil {
		logger.Warn("failed to record boot event", zap.Error(err))
	}
}

func (s *Sequencer) finish(out *Outcome, logger *zap.Logger) {
	if s.store == nil {
		return
	}
	var failed []string
	if out.Report != nil {
		failed = out.Report.FailedPaths()
	}
	if err := s.store.FinishBootEvent(out.BootID, string(out.State), out.Reason, failed); err != nil {
		logger.Warn("failed to record boot outcome", zap.Error(err))
	}
}
