package models

// RiskSettings are the per-lane sizing and exposure limits.
type RiskSettings struct {
	RiskFraction         float64 `json:"risk_fraction"`           // e.g. 0.012 for 1.2% per trade
	DailyTradeCap        int     `json:"daily_trade_cap"`         // trades per UTC day
	MaxPositions         int     `json:"max_positions"`           // concurrent positions on the lane
	PerInstrumentCap     int     `json:"per_instrument_cap"`      // concurrent positions per instrument
	SizeMultiplier       float64 `json:"size_multiplier"`         // optional, (0, 1]
	MaxDailyRiskFraction float64 `json:"max_daily_risk_fraction"` // optional, 0 disables
}

// LaneConfig is the externally supplied record describing one account's lane.
type LaneConfig struct {
	AccountID        string       `json:"account_id"`
	Strategy         string       `json:"strategy"`
	Instruments      []string     `json:"instruments"`
	Risk             RiskSettings `json:"risk"`
	Enabled          bool         `json:"enabled"`
	CredentialPrefix string       `json:"credential_prefix,omitempty"`
}

// InstrumentLimits are the venue-specific ceilings for one instrument.
type InstrumentLimits struct {
	MaxSpread float64 `json:"max_spread"`
	MaxUnits  int64   `json:"max_units"`
}
