package strategy

import (
	"math"

	"lane_trading/internal/models"
)

// BandBreakoutConfig sets the structural windows; thresholds come from the ParamSet.
type BandBreakoutConfig struct {
	Base           models.Granularity
	Trend          models.Granularity
	BaselinePeriod int
	ATRPeriod      int
	ConfirmBars    int
	TrendPeriod    int
}

func DefaultBandBreakoutConfig() BandBreakoutConfig {
	return BandBreakoutConfig{
		Base:           models.M15,
		Trend:          models.H1,
		BaselinePeriod: 20,
		ATRPeriod:      14,
		ConfirmBars:    2,
		TrendPeriod:    50,
	}
}

// BandBreakout fires when price closes outside a volatility envelope around a moving
// baseline for ConfirmBars consecutive bars, in the direction of the higher-timeframe trend.
type BandBreakout struct {
	cfg BandBreakoutConfig
}

func NewBandBreakout(cfg BandBreakoutConfig) *BandBreakout {
	return &BandBreakout{cfg: cfg}
}

func (s *BandBreakout) Name() string { return KeyBandBreakout }

func (s *BandBreakout) History() []HistoryRequest {
	base := max(s.cfg.BaselinePeriod, s.cfg.ATRPeriod+1) + s.cfg.ConfirmBars
	return []HistoryRequest{
		{Granularity: s.cfg.Base, Count: base + 10},
		{Granularity: s.cfg.Trend, Count: s.cfg.TrendPeriod + 2},
	}
}

func (s *BandBreakout) Analyze(in Input) []models.Signal {
	if !usableParams(in.Params) {
		return nil
	}
	bars := in.History[s.cfg.Base]
	need := max(s.cfg.BaselinePeriod, s.cfg.ATRPeriod+1) + s.cfg.ConfirmBars - 1
	if s.cfg.ConfirmBars < 1 || len(bars) < need {
		return nil
	}

	dir, excess, ok := s.confirmedBreak(bars, in.Params.BandMultiplier)
	if !ok {
		return nil
	}
	if !s.trendAgrees(in.History[s.cfg.Trend], dir) {
		return nil
	}

	atr, ok := ATR(bars, s.cfg.ATRPeriod)
	if !ok {
		return nil
	}
	entry := in.Snapshot.EntryPrice(dir)
	if entry <= 0 {
		return nil
	}
	sign := dir.Sign()
	sig := models.Signal{
		Instrument: in.Snapshot.Instrument,
		Direction:  dir,
		Entry:      entry,
		StopLoss:   entry - sign*in.Params.StopMultiplier*atr,
		TakeProfit: entry + sign*in.Params.TargetMultiplier*atr,
		Confidence: clamp(0.5+excess/2, 0, 1),
		StrategyID: s.Name(),
	}
	if !sig.Valid() {
		return nil
	}
	return []models.Signal{sig}
}

// confirmedBreak checks the last ConfirmBars closes against the envelope computed from the
// history available at each of those bars. excess is the latest close's distance beyond the
// band in ATR units.
func (s *BandBreakout) confirmedBreak(bars []models.Bar, band float64) (models.Direction, float64, bool) {
	var dir models.Direction
	var excess float64
	for k := s.cfg.ConfirmBars - 1; k >= 0; k-- {
		window := bars[:len(bars)-k]
		baseline, ok := SMA(closes(window), s.cfg.BaselinePeriod)
		if !ok {
			return 0, 0, false
		}
		atr, ok := ATR(window, s.cfg.ATRPeriod)
		if !ok {
			return 0, 0, false
		}
		c := window[len(window)-1].Close
		upper, lower := baseline+band*atr, baseline-band*atr

		var d models.Direction
		switch {
		case c > upper:
			d = models.Long
			excess = (c - upper) / atr
		case c < lower:
			d = models.Short
			excess = (lower - c) / atr
		default:
			return 0, 0, false
		}
		if dir != 0 && d != dir {
			return 0, 0, false
		}
		dir = d
	}
	return dir, math.Max(excess, 0), true
}

// trendAgrees requires the higher-timeframe close on the signal's side of a rising (or
// falling) baseline. Missing trend history rejects the signal.
func (s *BandBreakout) trendAgrees(trend []models.Bar, dir models.Direction) bool {
	if len(trend) < s.cfg.TrendPeriod+1 {
		return false
	}
	cl := closes(trend)
	now, ok := SMA(cl, s.cfg.TrendPeriod)
	if !ok {
		return false
	}
	prev, ok := SMA(cl[:len(cl)-1], s.cfg.TrendPeriod)
	if !ok {
		return false
	}
	last := cl[len(cl)-1]
	sign := dir.Sign()
	return (last-now)*sign > 0 && (now-prev)*sign > 0
}
