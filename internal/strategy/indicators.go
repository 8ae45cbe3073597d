package strategy

import (
	"math"

	"lane_trading/internal/models"
)

// SMA is the simple average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// ATR averages the true range of the last period bars. The true range uses each bar's high and
// low against the previous close, so period+1 bars are required.
func ATR(bars []models.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	window := bars[len(bars)-period-1:]
	sum := 0.0
	for i := 1; i < len(window); i++ {
		sum += trueRange(window[i], window[i-1].Close)
	}
	atr := sum / float64(period)
	return atr, atr > 0
}

func trueRange(b models.Bar, prevClose float64) float64 {
	return math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
}

func closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
