package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, MaxAttempts: 10}
	for attempt := 2; attempt <= 10; attempt++ {
		base := float64(cfg.InitialBackoff) * float64(uint64(1)<<uint(attempt-2))
		if base > float64(cfg.MaxBackoff) {
			base = float64(cfg.MaxBackoff)
		}
		min := time.Duration(base)
		max := time.Duration(4 * base)
		for i := 0; i < 50; i++ {
			d := backoffFor(cfg, attempt)
			assert.GreaterOrEqualf(t, d, min, "attempt %d", attempt)
			assert.LessOrEqualf(t, d, max, "attempt %d", attempt)
		}
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	cfg := Config{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := Do(context.Background(), cfg, "test", func(ctx context.Context, attempt int) Result {
		calls++
		if attempt < 3 {
			return Result{OK: false, Fatal: false, Err: errors.New("transient")}
		}
		return Result{OK: true}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	cfg := Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := Do(context.Background(), cfg, "test", func(ctx context.Context, attempt int) Result {
		calls++
		return Result{OK: false, Fatal: true, Err: errors.New("boom")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := Do(context.Background(), cfg, "test", func(ctx context.Context, attempt int) Result {
		calls++
		return Result{OK: false, Fatal: false, Err: errors.New("still failing")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
