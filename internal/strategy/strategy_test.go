package strategy

import (
	"testing"
	"time"

	"lane_trading/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultParams = models.ParamSet{BandMultiplier: 2.0, StopMultiplier: 1.5, TargetMultiplier: 2.0}

func flatBars(start time.Time, step time.Duration, n int, price, half float64) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Time:  start.Add(time.Duration(i) * step),
			Open:  price,
			High:  price + half,
			Low:   price - half,
			Close: price,
		}
	}
	return bars
}

func trendBars(start time.Time, n int, from, step float64) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		p := from + float64(i)*step
		bars[i] = models.Bar{Time: start.Add(time.Duration(i) * time.Hour), Open: p, High: p + 0.0005, Low: p - 0.0005, Close: p}
	}
	return bars
}

func breakoutInput(t0 time.Time, breakBars int, trendStep float64) Input {
	base := flatBars(t0, 15*time.Minute, 30, 1.1000, 0.0005)
	for i := 0; i < breakBars; i++ {
		base = append(base, models.Bar{
			Time:  t0.Add(time.Duration(30+i) * 15 * time.Minute),
			Open:  1.1040,
			High:  1.1045,
			Low:   1.1035,
			Close: 1.1040,
		})
	}
	return Input{
		Snapshot: models.NewSnapshot("EUR_USD", 1.1040, 1.1042, t0.Add(10*time.Hour)),
		History: map[models.Granularity][]models.Bar{
			models.M15: base,
			models.H1:  trendBars(t0.Add(-60*time.Hour), 52, 1.0500, trendStep),
		},
		Params: defaultParams,
		Now:    t0.Add(10 * time.Hour),
	}
}

func TestIndicators(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4}, 2)
	require.True(t, ok)
	assert.InDelta(t, 3.5, v, 1e-12)

	_, ok = SMA([]float64{1}, 2)
	assert.False(t, ok)

	bars := []models.Bar{
		{High: 10, Low: 9, Close: 9.5},
		{High: 11, Low: 10, Close: 10.5}, // gap: TR = 11 - 9.5
		{High: 10.8, Low: 10.2, Close: 10.4},
	}
	atr, ok := ATR(bars, 2)
	require.True(t, ok)
	assert.InDelta(t, (1.5+0.6)/2, atr, 1e-12)

	_, ok = ATR(bars, 3)
	assert.False(t, ok, "ATR needs period+1 bars")
}

func TestBandBreakout_FiresLongWithTrend(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	s := NewBandBreakout(DefaultBandBreakoutConfig())

	sigs := s.Analyze(breakoutInput(t0, 2, 0.001))
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, models.Long, sig.Direction)
	assert.Equal(t, "EUR_USD", sig.Instrument)
	assert.Equal(t, KeyBandBreakout, sig.StrategyID)
	assert.InDelta(t, 1.1042, sig.Entry, 1e-12)
	assert.Less(t, sig.StopLoss, sig.Entry)
	assert.Greater(t, sig.TakeProfit, sig.Entry)
	// Reward/risk follows the target/stop multiplier ratio.
	assert.InDelta(t, 2.0/1.5, sig.RewardDistance()/sig.RiskDistance(), 1e-9)
	assert.True(t, sig.Confidence >= 0.5 && sig.Confidence <= 1)
}

func TestBandBreakout_RequiresConfirmation(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	s := NewBandBreakout(DefaultBandBreakoutConfig())
	assert.Empty(t, s.Analyze(breakoutInput(t0, 1, 0.001)))
}

func TestBandBreakout_TrendFilter(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	s := NewBandBreakout(DefaultBandBreakoutConfig())
	assert.Empty(t, s.Analyze(breakoutInput(t0, 2, -0.001)), "falling higher timeframe blocks a long")
}

func TestBandBreakout_InsufficientHistoryRejects(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	s := NewBandBreakout(DefaultBandBreakoutConfig())

	in := breakoutInput(t0, 2, 0.001)
	in.History[models.M15] = in.History[models.M15][len(in.History[models.M15])-10:]
	assert.Empty(t, s.Analyze(in))

	in = breakoutInput(t0, 2, 0.001)
	delete(in.History, models.H1)
	assert.Empty(t, s.Analyze(in))
}

func TestBandBreakout_WiderBandSuppresses(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	s := NewBandBreakout(DefaultBandBreakoutConfig())
	in := breakoutInput(t0, 2, 0.001)
	in.Params.BandMultiplier = 4.0
	assert.Empty(t, s.Analyze(in))
}

func TestBandBreakout_Deterministic(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	s := NewBandBreakout(DefaultBandBreakoutConfig())
	in := breakoutInput(t0, 2, 0.001)
	assert.Equal(t, s.Analyze(in), s.Analyze(in))
}

func orbInput(now time.Time, rangeBars int, closes ...float64) Input {
	open := time.Date(now.Year(), now.Month(), now.Day(), 7, 0, 0, 0, time.UTC)
	var bars []models.Bar
	for i := 0; i < rangeBars; i++ {
		bars = append(bars, models.Bar{
			Time: open.Add(time.Duration(i) * 5 * time.Minute), Open: 1.1000, High: 1.1010, Low: 1.0990, Close: 1.1000,
		})
	}
	for i, c := range closes {
		bars = append(bars, models.Bar{
			Time: open.Add(30*time.Minute + time.Duration(i)*5*time.Minute), Open: c, High: c + 0.0002, Low: c - 0.0002, Close: c,
		})
	}
	return Input{
		Snapshot: models.NewSnapshot("EUR_USD", 1.1014, 1.1016, now),
		History:  map[models.Granularity][]models.Bar{models.M5: bars},
		Params:   defaultParams,
		Now:      now,
	}
}

func TestOpeningRange_FreshBreakout(t *testing.T) {
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	s := NewOpeningRange(DefaultOpeningRangeConfig())

	sigs := s.Analyze(orbInput(now, 6, 1.1002, 1.1005, 1.1015))
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, models.Long, sig.Direction)
	assert.InDelta(t, 1.1016, sig.Entry, 1e-12)
	// stop = StopMultiplier * width * StopScale = 1.5 * 0.002 * 0.5
	assert.InDelta(t, 0.0015, sig.RiskDistance(), 1e-9)
	assert.InDelta(t, 0.0030, sig.RewardDistance(), 1e-9)
}

func TestOpeningRange_ShortBreakout(t *testing.T) {
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	s := NewOpeningRange(DefaultOpeningRangeConfig())
	sigs := s.Analyze(orbInput(now, 6, 1.0995, 1.0984))
	require.Len(t, sigs, 1)
	assert.Equal(t, models.Short, sigs[0].Direction)
}

func TestOpeningRange_Gates(t *testing.T) {
	s := NewOpeningRange(DefaultOpeningRangeConfig())
	inWindow := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	t.Run("outside session window", func(t *testing.T) {
		late := time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC)
		assert.Empty(t, s.Analyze(orbInput(late, 6, 1.1002, 1.1005, 1.1015)))
	})
	t.Run("partial range", func(t *testing.T) {
		assert.Empty(t, s.Analyze(orbInput(inWindow, 5, 1.1002, 1.1005, 1.1015)))
	})
	t.Run("stale breakout does not refire", func(t *testing.T) {
		assert.Empty(t, s.Analyze(orbInput(inWindow, 6, 1.1002, 1.1015, 1.1016)))
	})
	t.Run("inside buffer", func(t *testing.T) {
		assert.Empty(t, s.Analyze(orbInput(inWindow, 6, 1.1002, 1.1011)))
	})
	t.Run("range too wide", func(t *testing.T) {
		cfg := DefaultOpeningRangeConfig()
		cfg.MaxWidthFraction = 0.001
		assert.Empty(t, NewOpeningRange(cfg).Analyze(orbInput(inWindow, 6, 1.1002, 1.1005, 1.1015)))
	})
	t.Run("range too narrow", func(t *testing.T) {
		cfg := DefaultOpeningRangeConfig()
		cfg.MinWidthFraction = 0.005
		assert.Empty(t, NewOpeningRange(cfg).Analyze(orbInput(inWindow, 6, 1.1002, 1.1005, 1.1015)))
	})
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{KeyBandBreakout, KeyOpeningRange}, r.Keys())

	s, err := r.Resolve(KeyOpeningRange)
	require.NoError(t, err)
	assert.Equal(t, KeyOpeningRange, s.Name())

	_, err = r.Resolve("martingale")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	assert.Error(t, r.Register(KeyBandBreakout, func() Strategy { return nil }))
}
