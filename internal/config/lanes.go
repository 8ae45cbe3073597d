package config

import (
	"errors"
	"fmt"

	"lane_trading/internal/models"
	"lane_trading/internal/storage"
	"lane_trading/internal/strategy"
)

// ErrInvalidLane wraps every lane or instrument record that fails validation.
var ErrInvalidLane = errors.New("invalid lane configuration")

const maxRiskFraction = 0.05

// Lanes is the lanes file: venue limits per instrument plus one record per account.
type Lanes struct {
	Instruments map[string]models.InstrumentLimits `json:"instruments"`
	Lanes       []models.LaneConfig                `json:"lanes"`
}

// LoadLanes reads the lanes file. It does not validate.
func LoadLanes(path string) (Lanes, error) {
	var l Lanes
	if err := storage.ReadJSON(path, &l); err != nil {
		return Lanes{}, fmt.Errorf("lanes file: %w", err)
	}
	return l, nil
}

// Validate reports every problem at once. Unknown strategy keys wrap strategy.ErrUnknownStrategy,
// everything else wraps ErrInvalidLane.
func (l Lanes) Validate(reg *strategy.Registry) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidLane, fmt.Sprintf(format, args...)))
	}

	for inst, lim := range l.Instruments {
		if lim.MaxSpread <= 0 || lim.MaxUnits <= 0 {
			bad("instrument %s: max_spread and max_units must be > 0", inst)
		}
	}
	if len(l.Lanes) == 0 {
		bad("no lanes configured")
	}

	seen := make(map[string]bool)
	for i, lane := range l.Lanes {
		id := lane.AccountID
		if id == "" {
			bad("lane %d: account_id is required", i)
			id = fmt.Sprintf("#%d", i)
		} else if seen[id] {
			bad("lane %s: duplicate account_id", id)
		}
		seen[id] = true

		if !reg.Has(lane.Strategy) {
			errs = append(errs, fmt.Errorf("lane %s: %w: %q", id, strategy.ErrUnknownStrategy, lane.Strategy))
		}

		if len(lane.Instruments) == 0 {
			bad("lane %s: no instruments", id)
		}
		dup := make(map[string]bool)
		for _, inst := range lane.Instruments {
			if dup[inst] {
				bad("lane %s: instrument %s listed twice", id, inst)
			}
			dup[inst] = true
			if _, ok := l.Instruments[inst]; !ok {
				bad("lane %s: instrument %s has no limits", id, inst)
			}
		}

		r := lane.Risk
		if r.RiskFraction <= 0 || r.RiskFraction > maxRiskFraction {
			bad("lane %s: risk_fraction %v outside (0, %v]", id, r.RiskFraction, maxRiskFraction)
		}
		if r.SizeMultiplier < 0 || r.SizeMultiplier > 1 {
			bad("lane %s: size_multiplier %v outside (0, 1]", id, r.SizeMultiplier)
		}
		if r.DailyTradeCap <= 0 || r.MaxPositions <= 0 || r.PerInstrumentCap <= 0 {
			bad("lane %s: daily_trade_cap, max_positions and per_instrument_cap must be > 0", id)
		}
		if r.PerInstrumentCap > r.MaxPositions {
			bad("lane %s: per_instrument_cap exceeds max_positions", id)
		}
		if r.MaxDailyRiskFraction < 0 || r.MaxDailyRiskFraction > 1 {
			bad("lane %s: max_daily_risk_fraction %v outside [0, 1]", id, r.MaxDailyRiskFraction)
		}
	}
	return errors.Join(errs...)
}

// ValidateBroker checks the lanes against what the broker can hold. Alpaca nets positions per
// symbol within an account, so a lane there may hold one position per instrument, and lanes
// sharing credentials must not trade the same instrument.
func (l Lanes) ValidateBroker(broker string) error {
	if broker != "alpaca" {
		return nil
	}
	var errs []error
	owner := make(map[string]string)
	for _, lane := range l.Lanes {
		if lane.Risk.PerInstrumentCap > 1 {
			errs = append(errs, fmt.Errorf("%w: lane %s: per_instrument_cap must be 1 on a netting broker",
				ErrInvalidLane, lane.AccountID))
		}
		for _, inst := range lane.Instruments {
			key := lane.CredentialPrefix + "|" + inst
			if other, ok := owner[key]; ok {
				errs = append(errs, fmt.Errorf("%w: lanes %s and %s share credentials and trade %s",
					ErrInvalidLane, other, lane.AccountID, inst))
				continue
			}
			owner[key] = lane.AccountID
		}
	}
	return errors.Join(errs...)
}

// Enabled returns the lanes marked enabled, in file order.
func (l Lanes) Enabled() []models.LaneConfig {
	var out []models.LaneConfig
	for _, lane := range l.Lanes {
		if lane.Enabled {
			out = append(out, lane)
		}
	}
	return out
}
