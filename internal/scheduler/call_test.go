package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lane_trading/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = 0
	assert.Equal(t, 250*time.Millisecond, p.delay(1))
	assert.Equal(t, 500*time.Millisecond, p.delay(2))
	assert.Equal(t, time.Second, p.delay(3))
	assert.Equal(t, 5*time.Second, p.delay(10))
	assert.Equal(t, 250*time.Millisecond, p.delay(0))

	p.Jitter = 0.2
	for i := 0; i < 100; i++ {
		d := p.delay(2)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{Attempts: -1, MaxDelay: time.Millisecond, Jitter: 3}.withDefaults()
	assert.Equal(t, 10*time.Second, p.Timeout)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 250*time.Millisecond, p.MaxDelay, "max never below base")
	assert.Equal(t, 1.0, p.Jitter)
}

func fastCaller(attempts int) *caller {
	return newCaller("test", nil, Policy{
		Timeout:   100 * time.Millisecond,
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	}, zap.NewNop())
}

func TestCaller_RetriesUntilSuccess(t *testing.T) {
	c := fastCaller(3)
	calls := 0
	err := c.do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	exhausted, succeeded := c.health()
	assert.False(t, exhausted)
	assert.True(t, succeeded)
}

func TestCaller_ExhaustionIsRemembered(t *testing.T) {
	c := fastCaller(3)
	boom := errors.New("connection reset")
	calls := 0
	err := c.do(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	exhausted, _ := c.reset()
	assert.True(t, exhausted)
	exhausted, succeeded := c.health()
	assert.False(t, exhausted, "reset starts a new window")
	assert.False(t, succeeded)
}

func TestCaller_RejectionIsNotRetried(t *testing.T) {
	c := fastCaller(3)
	calls := 0
	err := c.do(context.Background(), "op", func(context.Context) error {
		calls++
		return fmt.Errorf("qty must be > 0: %w", market.ErrRejected)
	})
	assert.ErrorIs(t, err, market.ErrRejected)
	assert.Equal(t, 1, calls)

	exhausted, succeeded := c.health()
	assert.False(t, exhausted)
	assert.True(t, succeeded)
}

func TestCaller_AppliesPerCallTimeout(t *testing.T) {
	c := fastCaller(1)
	err := c.do(context.Background(), "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	exhausted, _ := c.health()
	assert.True(t, exhausted)
}

func TestCaller_CanceledContextIsNotAnOutage(t *testing.T) {
	c := fastCaller(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.do(ctx, "op", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	exhausted, _ := c.health()
	assert.False(t, exhausted)
}

func TestCaller_SharesRateBudget(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	a := newCaller("a", limiter, DefaultPolicy(), zap.NewNop())
	b := newCaller("b", limiter, DefaultPolicy(), zap.NewNop())

	start := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, a.do(context.Background(), "op", func(context.Context) error { return nil }))
		require.NoError(t, b.do(context.Background(), "op", func(context.Context) error { return nil }))
	}
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}
