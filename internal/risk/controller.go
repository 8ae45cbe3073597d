// Package risk is the single gate between a strategy signal and an order: it runs the ordered
// admission checks, sizes admitted signals and keeps the lane and global budgets.
package risk

import (
	"errors"
	"fmt"
	"time"

	"lane_trading/internal/metrics"
	"lane_trading/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rule names the admission check a decision failed.
type Rule string

const (
	RuleNone              Rule = ""
	RuleLaneDisabled      Rule = "lane_disabled"
	RuleLaneDegraded      Rule = "lane_degraded"
	RuleDailyTradeCap     Rule = "daily_trade_cap"
	RuleDailyRiskCap      Rule = "daily_risk_cap"
	RuleLanePositionCap   Rule = "lane_position_cap"
	RuleGlobalPositionCap Rule = "global_position_cap"
	RuleGlobalRiskCeiling Rule = "global_risk_ceiling"
	RuleInstrumentCap     Rule = "instrument_cap"
	RuleDiversification   Rule = "diversification"
	RuleSecondPosition    Rule = "second_position"
	RuleSpread            Rule = "spread"
	RuleRewardRisk        Rule = "reward_risk"
	RuleMinProfit         Rule = "min_profit"
	RuleGuardHalt         Rule = "guard_halt"
	RuleSize              Rule = "size"
)

// Holding is an open position as the second-position and diversification rules see it.
type Holding struct {
	Instrument  string
	UnrealizedR float64
}

// Request is everything one admission decision depends on.
type Request struct {
	Signal   models.Signal
	Snapshot models.Snapshot
	Balance  decimal.Decimal
	Guard    models.GuardState
	Enabled  bool
	Degraded bool
	Holdings []Holding
	Now      time.Time
}

// Decision is the outcome of an admission. Rejections are values, not errors.
type Decision struct {
	Admitted  bool
	Rule      Rule
	Reason    string
	Units     int64
	Risk      decimal.Decimal
	Throttled bool
}

func reject(rule Rule, format string, args ...any) Decision {
	return Decision{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Config holds the admission constants shared by every lane.
type Config struct {
	MinRewardRisk          float64         // reward distance ≥ this × risk distance
	MinProfitFloor         decimal.Decimal // units × reward distance, account currency
	SecondPositionR        float64         // existing positions must be at least this far in profit
	DiversificationReserve int             // remaining capacity at or below this counts as low
}

func DefaultConfig() Config {
	return Config{
		MinRewardRisk:          0.5,
		MinProfitFloor:         decimal.NewFromInt(5),
		SecondPositionR:        0.5,
		DiversificationReserve: 1,
	}
}

// Controller admits signals for one lane.
type Controller struct {
	lane        string
	cfg         Config
	settings    models.RiskSettings
	instruments map[string]models.InstrumentLimits
	budget      *LaneBudget
	global      *GlobalBudget
	log         *zap.Logger
}

func NewController(lane string, cfg Config, settings models.RiskSettings, instruments map[string]models.InstrumentLimits,
	budget *LaneBudget, global *GlobalBudget, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		lane:        lane,
		cfg:         cfg,
		settings:    settings,
		instruments: instruments,
		budget:      budget,
		global:      global,
		log:         log.Named("risk").With(zap.String("lane", lane)),
	}
}

func (c *Controller) Budget() *LaneBudget { return c.budget }

// Evaluate runs the admission checks in order and stops at the first failure.
// It reads the budgets but never changes them.
func (c *Controller) Evaluate(req Request) Decision {
	d := c.evaluate(req)
	if !d.Admitted {
		c.log.Info("signal rejected",
			zap.String("rule", string(d.Rule)),
			zap.String("reason", d.Reason),
			zap.String("instrument", req.Signal.Instrument),
			zap.Stringer("direction", req.Signal.Direction))
	}
	return d
}

func (c *Controller) evaluate(req Request) Decision {
	sig := req.Signal
	limits := c.instruments[sig.Instrument]
	view := c.budget.View(req.Now)
	s := c.settings

	throttle := 1.0
	if req.Guard.Throttled() {
		throttle = req.Guard.RiskMultiplier
	}
	size := Size(req.Balance, s.RiskFraction, throttle, s.SizeMultiplier, sig.Entry, sig.StopLoss, limits.MaxUnits)

	// 1
	if !req.Enabled {
		return reject(RuleLaneDisabled, "lane disabled")
	}
	if req.Degraded {
		return reject(RuleLaneDegraded, "lane degraded until a successful broker round-trip")
	}

	// 2
	if s.DailyTradeCap > 0 && view.TradesToday >= s.DailyTradeCap {
		return reject(RuleDailyTradeCap, "%d trades today, cap %d", view.TradesToday, s.DailyTradeCap)
	}
	if s.MaxDailyRiskFraction > 0 {
		ceiling := req.Balance.Mul(decimal.NewFromFloat(s.MaxDailyRiskFraction))
		if view.RiskToday.Add(size.RiskAmount).GreaterThan(ceiling) {
			return reject(RuleDailyRiskCap, "risk today %s + %s exceeds %s", view.RiskToday.StringFixed(2), size.RiskAmount.StringFixed(2), ceiling.StringFixed(2))
		}
	}

	// 3
	if s.MaxPositions > 0 && view.Open >= s.MaxPositions {
		return reject(RuleLanePositionCap, "%d open, lane cap %d", view.Open, s.MaxPositions)
	}
	globalOpen := c.global.Open()
	if c.global.Max() > 0 && globalOpen >= c.global.Max() {
		return reject(RuleGlobalPositionCap, "%d open, global cap %d", globalOpen, c.global.Max())
	}

	// 4
	held := view.PerInstrument[sig.Instrument]
	if s.PerInstrumentCap > 0 && held >= s.PerInstrumentCap {
		return reject(RuleInstrumentCap, "%d open in %s, cap %d", held, sig.Instrument, s.PerInstrumentCap)
	}

	// 5
	if held > 0 && c.lowCapacity(view.Open, globalOpen) && view.Distinct() < 2 {
		return reject(RuleDiversification, "capacity low and only %d instrument held", view.Distinct())
	}

	// 6
	if held > 0 {
		for _, h := range req.Holdings {
			if h.Instrument == sig.Instrument && h.UnrealizedR < c.cfg.SecondPositionR {
				return reject(RuleSecondPosition, "existing %s position at %.2fR, need %.2fR", sig.Instrument, h.UnrealizedR, c.cfg.SecondPositionR)
			}
		}
	}

	// 7
	if limits.MaxSpread > 0 && req.Snapshot.Spread > limits.MaxSpread {
		return reject(RuleSpread, "spread %.6f above ceiling %.6f", req.Snapshot.Spread, limits.MaxSpread)
	}

	// 8
	if !sig.Valid() {
		return reject(RuleRewardRisk, "stop or target on the wrong side of entry")
	}
	if sig.RewardDistance() < c.cfg.MinRewardRisk*sig.RiskDistance() {
		return reject(RuleRewardRisk, "reward %.6f below %.2f × risk %.6f", sig.RewardDistance(), c.cfg.MinRewardRisk, sig.RiskDistance())
	}
	reward := decimal.NewFromFloat(sig.TakeProfit).Sub(decimal.NewFromFloat(sig.Entry)).Abs()
	expected := reward.Mul(decimal.NewFromInt(size.Units))
	if expected.LessThan(c.cfg.MinProfitFloor) {
		return reject(RuleMinProfit, "expected profit %s below floor %s", expected.StringFixed(2), c.cfg.MinProfitFloor.StringFixed(2))
	}

	// 9
	if req.Guard.Halted {
		return reject(RuleGuardHalt, "%s until %s", req.Guard.Reason, req.Guard.HaltUntil.Format(time.RFC3339))
	}

	if size.Units < 1 {
		return reject(RuleSize, "balance too small for stop distance %s", size.StopDistance)
	}
	return Decision{Admitted: true, Units: size.Units, Risk: size.RiskAmount, Throttled: throttle < 1}
}

func (c *Controller) lowCapacity(laneOpen, globalOpen int) bool {
	remaining := -1
	if c.settings.MaxPositions > 0 {
		remaining = c.settings.MaxPositions - laneOpen
	}
	if m := c.global.Max(); m > 0 && (remaining < 0 || m-globalOpen < remaining) {
		remaining = m - globalOpen
	}
	return remaining >= 0 && remaining <= c.cfg.DiversificationReserve
}

// Admit evaluates the request and, on success, reserves the global slot and commits the lane
// counters. Callers must Rollback if the order then fails.
func (c *Controller) Admit(req Request) Decision {
	d := c.Evaluate(req)
	if d.Admitted {
		if err := c.global.Reserve(req.Now, d.Risk); err != nil {
			rule := RuleGlobalPositionCap
			if errors.Is(err, ErrGlobalRiskCeiling) {
				rule = RuleGlobalRiskCeiling
			}
			d = reject(rule, "%v", err)
			c.log.Info("signal rejected", zap.String("rule", string(rule)), zap.String("instrument", req.Signal.Instrument), zap.Error(err))
		} else {
			c.budget.Commit(req.Now, req.Signal.Instrument, d.Risk)
			c.log.Info("signal admitted",
				zap.String("instrument", req.Signal.Instrument),
				zap.Stringer("direction", req.Signal.Direction),
				zap.Int64("units", d.Units),
				zap.String("risk", d.Risk.StringFixed(2)),
				zap.Bool("throttled", d.Throttled))
		}
	}
	metrics.Admission(c.lane, d.Admitted, string(d.Rule))
	metrics.SetGlobalPositions(c.global.Open())
	return d
}

// Rollback releases everything Admit claimed for an order that never filled.
func (c *Controller) Rollback(now time.Time, instrument string, risk decimal.Decimal) {
	c.global.Cancel(now, risk)
	c.budget.Rollback(now, instrument, risk)
	metrics.SetGlobalPositions(c.global.Open())
}

// Release frees the counters of a position that closed.
func (c *Controller) Release(instrument string) {
	c.global.Release()
	c.budget.Close(instrument)
	metrics.SetGlobalPositions(c.global.Open())
}

// Track counts a restored or adopted position.
func (c *Controller) Track(instrument string) {
	c.global.Track()
	c.budget.Track(instrument)
	metrics.SetGlobalPositions(c.global.Open())
}

// Resume reinstates the lane's daily counters saved before a restart and adds its risk back to
// the global daily total. It reports false, changing nothing, when day is not today.
func (c *Controller) Resume(now time.Time, day string, trades int, risk decimal.Decimal) bool {
	if !c.budget.Resume(now, day, trades, risk) {
		return false
	}
	c.global.Resume(now, day, risk)
	return true
}
