package risk

import (
	"math/rand"
	"testing"
	"time"

	"lane_trading/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func settings() models.RiskSettings {
	return models.RiskSettings{
		RiskFraction:     0.012,
		DailyTradeCap:    5,
		MaxPositions:     5,
		PerInstrumentCap: 2,
	}
}

func newController(s models.RiskSettings, globalMax int) *Controller {
	limits := map[string]models.InstrumentLimits{
		"EUR_USD": {MaxSpread: 0.0003, MaxUnits: 2_000_000},
		"GBP_USD": {MaxSpread: 0.0004, MaxUnits: 2_000_000},
	}
	return NewController("acct-1", DefaultConfig(), s, limits, NewLaneBudget(), NewGlobalBudget(globalMax, decimal.Zero), nil)
}

func request(instrument string) Request {
	return Request{
		Signal: models.Signal{
			Instrument: instrument,
			Direction:  models.Long,
			Entry:      1.2500,
			StopLoss:   1.2480,
			TakeProfit: 1.2540,
			StrategyID: "test",
		},
		Snapshot: models.NewSnapshot(instrument, 1.2499, 1.2500, now),
		Balance:  decimal.NewFromInt(100_000),
		Guard:    models.GuardState{Instrument: instrument, RiskMultiplier: 1},
		Enabled:  true,
		Now:      now,
	}
}

func TestSize_Scenario(t *testing.T) {
	s := Size(decimal.NewFromInt(100_000), 0.012, 1, 0, 1.2500, 1.2480, 0)
	assert.Equal(t, int64(600_000), s.Units)
	assert.True(t, s.StopDistance.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, s.RiskAmount.Equal(decimal.NewFromInt(1200)))
}

func TestSize_MultiplierThrottleAndCap(t *testing.T) {
	bal := decimal.NewFromInt(100_000)
	assert.Equal(t, int64(300_000), Size(bal, 0.012, 0.5, 1, 1.2500, 1.2480, 0).Units)
	assert.Equal(t, int64(450_000), Size(bal, 0.012, 1, 0.75, 1.2500, 1.2480, 0).Units)
	assert.Equal(t, int64(250_000), Size(bal, 0.012, 1, 1, 1.2500, 1.2480, 250_000).Units)
	assert.Zero(t, Size(bal, 0.012, 1, 1, 1.2500, 1.2500, 0).Units)
}

func TestSize_NeverExceedsRiskBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		balance := decimal.NewFromFloat(1000 + rng.Float64()*1_000_000).Round(2)
		fraction := 0.001 + rng.Float64()*0.049
		entry := 0.5 + rng.Float64()*150
		stop := entry - (0.0001 + rng.Float64()*entry*0.05)
		mult := 0.1 + rng.Float64()*0.9

		s := Size(balance, fraction, 1, mult, entry, stop, 0)
		budget := balance.Mul(decimal.NewFromFloat(fraction))
		require.True(t, s.RiskAmount.LessThanOrEqual(budget),
			"units %d × %s > %s", s.Units, s.StopDistance, budget)
	}
}

func TestEvaluate_Admits(t *testing.T) {
	c := newController(settings(), 10)
	d := c.Evaluate(request("EUR_USD"))
	require.True(t, d.Admitted, d.Reason)
	assert.Equal(t, int64(600_000), d.Units)
	assert.False(t, d.Throttled)
}

func TestEvaluate_RuleOrder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Controller, r *Request)
		rule  Rule
	}{
		{"disabled", func(c *Controller, r *Request) { r.Enabled = false }, RuleLaneDisabled},
		{"degraded", func(c *Controller, r *Request) { r.Degraded = true }, RuleLaneDegraded},
		{"daily cap", func(c *Controller, r *Request) {
			for i := 0; i < 5; i++ {
				c.budget.Commit(now, "GBP_USD", decimal.Zero)
				c.budget.Close("GBP_USD")
			}
		}, RuleDailyTradeCap},
		{"daily cap before halt", func(c *Controller, r *Request) {
			for i := 0; i < 5; i++ {
				c.budget.Commit(now, "GBP_USD", decimal.Zero)
				c.budget.Close("GBP_USD")
			}
			r.Guard.Halted = true
		}, RuleDailyTradeCap},
		{"lane positions", func(c *Controller, r *Request) {
			for i := 0; i < 5; i++ {
				c.budget.Track("GBP_USD")
			}
		}, RuleLanePositionCap},
		{"global positions", func(c *Controller, r *Request) {
			for i := 0; i < 10; i++ {
				c.global.Track()
			}
		}, RuleGlobalPositionCap},
		{"instrument cap", func(c *Controller, r *Request) {
			c.budget.Track("EUR_USD")
			c.budget.Track("EUR_USD")
		}, RuleInstrumentCap},
		{"spread", func(c *Controller, r *Request) {
			r.Snapshot = models.NewSnapshot("EUR_USD", 1.2490, 1.2500, now)
		}, RuleSpread},
		{"reward below half risk", func(c *Controller, r *Request) { r.Signal.TakeProfit = 1.2509 }, RuleRewardRisk},
		{"target on wrong side", func(c *Controller, r *Request) { r.Signal.TakeProfit = 1.2400 }, RuleRewardRisk},
		{"min profit", func(c *Controller, r *Request) { r.Balance = decimal.NewFromInt(2) }, RuleMinProfit},
		{"halted", func(c *Controller, r *Request) {
			r.Guard.Halted = true
			r.Guard.Reason = "stale_snapshot"
		}, RuleGuardHalt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(settings(), 10)
			r := request("EUR_USD")
			tt.setup(c, &r)
			d := c.Evaluate(r)
			assert.False(t, d.Admitted)
			assert.Equal(t, tt.rule, d.Rule, d.Reason)
		})
	}
}

func TestEvaluate_ThrottleScalesRisk(t *testing.T) {
	c := newController(settings(), 10)
	r := request("EUR_USD")
	r.Guard.RiskMultiplier = 0.5
	d := c.Evaluate(r)
	require.True(t, d.Admitted)
	assert.True(t, d.Throttled)
	assert.Equal(t, int64(300_000), d.Units)
}

func TestEvaluate_DailyRiskFraction(t *testing.T) {
	s := settings()
	s.MaxDailyRiskFraction = 0.02
	c := newController(s, 10)

	require.True(t, c.Admit(request("EUR_USD")).Admitted)
	// 1200 committed; a second 1200 would exceed 2000.
	d := c.Evaluate(request("GBP_USD"))
	assert.Equal(t, RuleDailyRiskCap, d.Rule)
}

func TestSecondPositionRule(t *testing.T) {
	c := newController(settings(), 10)
	require.True(t, c.Admit(request("EUR_USD")).Admitted)

	r := request("EUR_USD")
	r.Holdings = []Holding{{Instrument: "EUR_USD", UnrealizedR: 0.3}}
	d := c.Evaluate(r)
	assert.False(t, d.Admitted)
	assert.Equal(t, RuleSecondPosition, d.Rule)

	r.Holdings[0].UnrealizedR = 0.6
	d = c.Evaluate(r)
	assert.True(t, d.Admitted, d.Reason)
}

func TestDiversificationGuard(t *testing.T) {
	s := settings()
	s.MaxPositions = 2
	c := newController(s, 10)
	require.True(t, c.Admit(request("EUR_USD")).Admitted)

	r := request("EUR_USD")
	r.Holdings = []Holding{{Instrument: "EUR_USD", UnrealizedR: 1.0}}
	assert.Equal(t, RuleDiversification, c.Evaluate(r).Rule)

	assert.True(t, c.Evaluate(request("GBP_USD")).Admitted)
}

func TestAdmitAndRollback(t *testing.T) {
	c := newController(settings(), 1)

	d := c.Admit(request("EUR_USD"))
	require.True(t, d.Admitted)
	assert.Equal(t, 1, c.global.Open())
	v := c.budget.View(now)
	assert.Equal(t, 1, v.TradesToday)
	assert.Equal(t, 1, v.PerInstrument["EUR_USD"])

	other := newController(settings(), 1)
	other.global = c.global
	assert.Equal(t, RuleGlobalPositionCap, other.Admit(request("GBP_USD")).Rule)

	c.Rollback(now, "EUR_USD", d.Risk)
	assert.Zero(t, c.global.Open())
	v = c.budget.View(now)
	assert.Zero(t, v.TradesToday)
	assert.Zero(t, v.Open)
	assert.True(t, v.RiskToday.IsZero())
}

func TestGlobalBudget_RiskCeiling(t *testing.T) {
	g := NewGlobalBudget(0, decimal.NewFromInt(2000))
	require.NoError(t, g.Reserve(now, decimal.NewFromInt(1200)))
	assert.ErrorIs(t, g.Reserve(now, decimal.NewFromInt(1200)), ErrGlobalRiskCeiling)
	assert.NoError(t, g.Reserve(now.Add(24*time.Hour), decimal.NewFromInt(1200)))
}

func TestLaneBudget_RolloverOncePerUTCDay(t *testing.T) {
	b := NewLaneBudget()
	assert.False(t, b.Rollover(now), "first observation only sets the day")
	b.Commit(now, "EUR_USD", decimal.NewFromInt(100))
	b.Close("EUR_USD")

	// Ticks on irregular intervals around midnight, including a non-UTC location.
	ny := time.FixedZone("NY", -4*3600)
	resets := 0
	for _, ts := range []time.Time{
		time.Date(2026, 10, 16, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 10, 16, 19, 59, 59, 0, ny),
		time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 17, 0, 0, 37, 0, time.UTC),
		time.Date(2026, 10, 16, 21, 0, 0, 0, ny),
		time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC),
	} {
		if b.Rollover(ts) {
			resets++
		}
	}
	assert.Equal(t, 1, resets)
	assert.Zero(t, b.View(time.Date(2026, 10, 17, 7, 0, 0, 0, time.UTC)).TradesToday)
}

func TestResume_SameDayOnly(t *testing.T) {
	c := newController(settings(), 10)
	day := now.UTC().Format(time.DateOnly)

	assert.False(t, c.Resume(now, "2026-10-15", 3, decimal.NewFromInt(900)), "yesterday's counters are stale")
	v := c.Budget().View(now)
	assert.Zero(t, v.TradesToday)
	assert.True(t, c.global.RiskToday(now).IsZero())

	require.True(t, c.Resume(now, day, 3, decimal.NewFromInt(900)))
	v = c.Budget().View(now)
	assert.Equal(t, 3, v.TradesToday)
	assert.True(t, v.RiskToday.Equal(decimal.NewFromInt(900)))
	assert.True(t, c.global.RiskToday(now).Equal(decimal.NewFromInt(900)))

	// The next UTC day starts from zero as usual.
	next := now.Add(24 * time.Hour)
	assert.True(t, c.Budget().Rollover(next))
	assert.Zero(t, c.Budget().View(next).TradesToday)
	assert.True(t, c.global.RiskToday(next).IsZero())
}

func TestResume_DailyCapStillBinds(t *testing.T) {
	s := settings()
	s.DailyTradeCap = 2
	c := newController(s, 10)
	require.True(t, c.Resume(now, now.Format(time.DateOnly), 2, decimal.NewFromInt(400)))

	d := c.Evaluate(request("EUR_USD"))
	assert.False(t, d.Admitted)
	assert.Equal(t, RuleDailyTradeCap, d.Rule)
}
