package boot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/store"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
	"github.com/blackwell-systems/trustmonitor/internal/trust/trusttest"
)

func setup(t *testing.T) (*trusttest.Fixture, *hal.SimulatedIndicator, *store.Store) {
	t.Helper()
	fx := trusttest.New(t, nil)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return fx, hal.NewSimulatedIndicator(zap.NewNop()), st
}

func newSequencer(fx *trusttest.Fixture, ind hal.IndicatorDriver, st *store.Store) *Sequencer {
	logger := zap.NewNop()
	return New(trust.NewVerifier(fx.Cfg, logger), ind, st, 5*time.Millisecond, logger)
}

func TestBoot_Healthy(t *testing.T) {
	fx, ind, st := setup(t)
	seq := newSequencer(fx, ind, st)

	out, err := seq.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, out.State)
	assert.Equal(t, StateHealthy, seq.State())
	assert.Equal(t, hal.StateHealthy, ind.Last())
	assert.Equal(t, hal.StateBooting, ind.History()[0])

	events, err := st.ListBootEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, out.BootID, events[0].BootID)
	assert.Equal(t, string(StateHealthy), events[0].State)
	assert.NotNil(t, events[0].FinishedAt)
}

func TestBoot_HaltsOnTamper(t *testing.T) {
	fx, ind, st := setup(t)
	fx.Tamper(t, "hardware/sensor_monitor.py", "# injected\n")
	seq := newSequencer(fx, ind, st)

	out, err := seq.Boot(context.Background())
	require.Error(t, err)
	assert.True(t, terrors.Is(err, terrors.CodeIntegrityFailed))
	assert.Equal(t, StateHalted, out.State)
	assert.Equal(t, StateHalted, seq.State())
	assert.Equal(t, hal.StateError, ind.Last())
	assert.Contains(t, out.Reason, "hardware/sensor_monitor.py")

	events, err := st.ListBootEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(StateHalted), events[0].State)
	assert.Equal(t, []string{"hardware/sensor_monitor.py"}, events[0].FailedPaths)
}

func TestBoot_HaltsOnBadSignature(t *testing.T) {
	fx, ind, _ := setup(t)
	require.NoError(t, os.WriteFile(fx.Cfg.Signature.File, []byte("garbage\n"), 0644))
	seq := newSequencer(fx, ind, nil)

	out, err := seq.Boot(context.Background())
	assert.True(t, terrors.Is(err, terrors.CodeSignatureFailed))
	assert.Equal(t, StateHalted, out.State)
	assert.Equal(t, "signature verification failed", out.Reason)
}

func TestBoot_MissingSignatureIsDependencyError(t *testing.T) {
	fx, ind, _ := setup(t)
	require.NoError(t, os.Remove(fx.Cfg.Signature.File))
	seq := newSequencer(fx, ind, nil)

	out, err := seq.Boot(context.Background())
	assert.True(t, terrors.Is(err, terrors.CodeDependencyError))
	assert.Equal(t, StateHalted, out.State)
	assert.Nil(t, out.Report)
	assert.Equal(t, hal.StateError, ind.Last())
}

func TestHalt_ReannouncesUntilCancelled(t *testing.T) {
	fx, ind, _ := setup(t)
	fx.Tamper(t, "main.py", "x")
	seq := newSequencer(fx, ind, nil)
	_, err := seq.Boot(context.Background())
	require.Error(t, err)
	before := len(ind.History())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = seq.Halt(ctx)

	assert.True(t, terrors.Is(err, terrors.CodeBootFailed))
	assert.Equal(t, StateHalted, seq.State())
	assert.Greater(t, len(ind.History()), before)
	assert.Equal(t, hal.StateError, ind.Last())
}

func TestHalt_ReachesLatchedIndicator(t *testing.T) {
	fx, ind, _ := setup(t)
	latched := hal.NewLatched(ind, config.IndicatorConfig{Timeout: time.Second})
	fx.Tamper(t, "main.py", "x")
	seq := newSequencer(fx, latched, nil)
	_, err := seq.Boot(context.Background())
	require.Error(t, err)
	before := len(ind.History())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	seq.Halt(ctx)

	assert.Greater(t, len(ind.History()), before)
	assert.Equal(t, hal.StateError, latched.Current())
}

func TestHalt_WithoutFailedBoot(t *testing.T) {
	fx, ind, _ := setup(t)
	seq := newSequencer(fx, ind, nil)
	_, err := seq.Boot(context.Background())
	require.NoError(t, err)

	err = seq.Halt(context.Background())
	assert.True(t, terrors.Is(err, terrors.CodeBootFailed))
}
