package risk

import (
	"github.com/shopspring/decimal"
)

// Sizing is the result of converting a risk budget into units.
type Sizing struct {
	Units        int64
	StopDistance decimal.Decimal
	RiskAmount   decimal.Decimal // units × stop distance
}

// Size computes floor(balance × riskFraction × throttle / stopDistance), scales it by the lane
// multiplier and caps it at maxUnits (0 means uncapped). Prices go through decimal so the
// stop distance is exact for quoted prices.
func Size(balance decimal.Decimal, riskFraction, throttle, multiplier float64, entry, stop float64, maxUnits int64) Sizing {
	dist := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if !dist.IsPositive() || !balance.IsPositive() || riskFraction <= 0 {
		return Sizing{StopDistance: dist}
	}
	if throttle <= 0 || throttle > 1 {
		throttle = 1
	}
	if multiplier <= 0 || multiplier > 1 {
		multiplier = 1
	}

	budget := balance.Mul(decimal.NewFromFloat(riskFraction)).Mul(decimal.NewFromFloat(throttle))
	units := budget.Div(dist).Floor()
	if multiplier != 1 {
		units = units.Mul(decimal.NewFromFloat(multiplier)).Floor()
	}
	if maxUnits > 0 && units.GreaterThan(decimal.NewFromInt(maxUnits)) {
		units = decimal.NewFromInt(maxUnits)
	}
	n := units.IntPart()
	return Sizing{
		Units:        n,
		StopDistance: dist,
		RiskAmount:   decimal.NewFromInt(n).Mul(dist),
	}
}
