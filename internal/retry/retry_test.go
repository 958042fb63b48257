package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	out := Do(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errors.New("still down")
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.False(t, out.Succeeded())
	assert.EqualError(t, out.Err, "still down")
}

func TestDo_SucceedsEarly(t *testing.T) {
	out := Do(context.Background(), Policy{MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.True(t, out.Succeeded())
	assert.Equal(t, 2, out.Attempts)
}

func TestDo_FixedDelay(t *testing.T) {
	var stamps []time.Time
	Do(context.Background(), Policy{MaxAttempts: 3, Delay: 20 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})

	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 20*time.Millisecond)
	}
}

func TestDo_Permanent(t *testing.T) {
	sentinel := errors.New("unit not found")
	out := Do(context.Background(), Policy{MaxAttempts: 4}, func(ctx context.Context, attempt int) error {
		return Permanent(sentinel)
	})

	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, sentinel)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := Do(ctx, Policy{MaxAttempts: 10, Delay: time.Hour}, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})

	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestDo_ZeroAttempts(t *testing.T) {
	out := Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, out.Err, ErrNoAttempts)
	assert.Equal(t, 0, out.Attempts)
}
