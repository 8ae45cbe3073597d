package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/metrics"
	"lane_trading/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy bounds every external call a lane makes. A failed attempt is followed by a pause
// that doubles from BaseDelay up to MaxDelay, spread by ±Jitter of itself.
type Policy struct {
	Timeout   time.Duration
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:   10 * time.Second,
		Attempts:  3,
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Jitter:    0.2,
	}
}

// withDefaults fills unset fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	p.Jitter = math.Max(0, math.Min(p.Jitter, 1))
	return p
}

// delay is the pause after failed attempt n (1-based).
func (p Policy) delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, p.MaxDelay)
	if p.Jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(d))
	}
	return d
}

// caller applies the shared rate budget, the per-call timeout and bounded retry, and remembers
// whether any call ran out of attempts since the last reset.
type caller struct {
	lane    string
	limiter *rate.Limiter
	policy  Policy
	log     *zap.Logger

	exhausted atomic.Bool
	succeeded atomic.Bool
}

func newCaller(lane string, limiter *rate.Limiter, policy Policy, log *zap.Logger) *caller {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &caller{lane: lane, limiter: limiter, policy: policy.withDefaults(), log: log}
}

// reset starts a new health window and reports the previous one.
func (c *caller) reset() (exhausted, succeeded bool) {
	return c.exhausted.Swap(false), c.succeeded.Swap(false)
}

func (c *caller) health() (exhausted, succeeded bool) {
	return c.exhausted.Load(), c.succeeded.Load()
}

func (c *caller) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.policy.Attempts; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			if ctx.Err() != nil {
				metrics.BrokerCall(op, "canceled")
				return fmt.Errorf("%s: %w", op, werr)
			}
			err = werr
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		err = fn(callCtx)
		cancel()

		switch {
		case err == nil:
			metrics.BrokerCall(op, "ok")
			c.succeeded.Store(true)
			return nil
		case errors.Is(err, market.ErrRejected):
			// The broker answered; the lane is healthy even if the request was refused.
			metrics.BrokerCall(op, "rejected")
			c.succeeded.Store(true)
			return err
		case ctx.Err() != nil:
			metrics.BrokerCall(op, "canceled")
			return err
		}

		metrics.BrokerCall(op, "retry")
		c.log.Warn("broker call failed",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Int("max_attempts", c.policy.Attempts), zap.Error(err))
		if attempt == c.policy.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.policy.delay(attempt)):
		}
	}
	c.exhausted.Store(true)
	metrics.BrokerCall(op, "exhausted")
	return fmt.Errorf("%s: %w", op, err)
}

// gateway routes a lane's execution calls through its caller.
type gateway struct {
	inner market.Gateway
	c     *caller
}

var (
	_ market.Gateway          = (*gateway)(nil)
	_ market.SnapshotProvider = (*feed)(nil)
)

func (g *gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	var res *models.OrderResult
	// A retried submission reuses the client order id, so the broker de-duplicates it.
	err := g.c.do(ctx, "place_order", func(ctx context.Context) (err error) {
		res, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return res, err
}

func (g *gateway) GetOrder(ctx context.Context, accountID, orderID string) (*models.OrderResult, error) {
	var res *models.OrderResult
	err := g.c.do(ctx, "get_order", func(ctx context.Context) (err error) {
		res, err = g.inner.GetOrder(ctx, accountID, orderID)
		return err
	})
	return res, err
}

func (g *gateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	return g.c.do(ctx, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, accountID, orderID)
	})
}

func (g *gateway) ClosePartial(ctx context.Context, accountID, positionID string, units int64) (*models.OrderResult, error) {
	var res *models.OrderResult
	err := g.c.do(ctx, "close_partial", func(ctx context.Context) (err error) {
		res, err = g.inner.ClosePartial(ctx, accountID, positionID, units)
		return err
	})
	return res, err
}

func (g *gateway) ListOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error) {
	var out []models.BrokerPosition
	err := g.c.do(ctx, "list_positions", func(ctx context.Context) (err error) {
		out, err = g.inner.ListOpenPositions(ctx, accountID)
		return err
	})
	return out, err
}

func (g *gateway) GetAccountSummary(ctx context.Context, accountID string) (*models.Account, error) {
	var out *models.Account
	err := g.c.do(ctx, "account_summary", func(ctx context.Context) (err error) {
		out, err = g.inner.GetAccountSummary(ctx, accountID)
		return err
	})
	return out, err
}

func (g *gateway) AttachBracket(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) error {
	return g.c.do(ctx, "attach_bracket", func(ctx context.Context) error {
		return g.inner.AttachBracket(ctx, accountID, positionID, stopLoss, takeProfit)
	})
}

// feed routes market data calls through the same caller.
type feed struct {
	inner market.SnapshotProvider
	c     *caller
}

func (f *feed) GetSnapshot(ctx context.Context, instrument string) (models.Snapshot, error) {
	var s models.Snapshot
	err := f.c.do(ctx, "snapshot", func(ctx context.Context) (err error) {
		s, err = f.inner.GetSnapshot(ctx, instrument)
		return err
	})
	return s, err
}

func (f *feed) GetBars(ctx context.Context, instrument string, granularity models.Granularity, count int) ([]models.Bar, error) {
	var out []models.Bar
	err := f.c.do(ctx, "bars", func(ctx context.Context) (err error) {
		out, err = f.inner.GetBars(ctx, instrument, granularity, count)
		return err
	})
	return out, err
}
