package ledger

import (
	"math"
	"time"

	"lane_trading/internal/models"

	"github.com/shopspring/decimal"
)

// Stage is one profit-taking step. Fraction applies to the units remaining when it fires.
type Stage struct {
	Name     string
	Trigger  float64 // R-multiple
	Fraction float64
	Weight   float64 // contribution to the adaptive average
	State    State
}

// Stages fire in this order, each at most once per position.
var Stages = []Stage{
	{Name: "0.8R", Trigger: 0.8, Fraction: 0.25, Weight: 0.25, State: Scaled25},
	{Name: "1.0R", Trigger: 1.0, Fraction: 0.50, Weight: 0.50, State: Scaled75},
	{Name: "1.5R", Trigger: 1.5, Fraction: 1.00, Weight: 1.00, State: Closed},
}

// Close reasons for full exits outside the stage ladder.
const (
	ReasonMaxHold        = "max_hold"
	ReasonBracketFailure = "bracket_failure"
	ReasonBrokerExit     = "broker_exit"
)

func (s Stage) units(remaining int64) int64 {
	if s.Fraction >= 1 {
		return remaining
	}
	return int64(math.Floor(float64(remaining) * s.Fraction))
}

// Position is an admitted trade owned by exactly one lane.
type Position struct {
	ID             string           `json:"id"`
	Seq            int64            `json:"seq"`
	BrokerID       string           `json:"broker_id,omitempty"`
	OrderID        string           `json:"order_id,omitempty"`
	Lane           string           `json:"lane"`
	Instrument     string           `json:"instrument"`
	Direction      models.Direction `json:"direction"`
	StrategyID     string           `json:"strategy_id,omitempty"`
	State          State            `json:"state"`
	EntryPrice     float64          `json:"entry_price"`
	StopDistance   float64          `json:"stop_distance"`
	InitialUnits   int64            `json:"initial_units"`
	RemainingUnits int64            `json:"remaining_units"`
	StopLoss       float64          `json:"stop_loss"`
	TakeProfit     float64          `json:"take_profit"`
	Stages         []string         `json:"stages,omitempty"`
	Risk           decimal.Decimal  `json:"risk"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	OpenedAt       time.Time        `json:"opened_at,omitempty"`
	Deadline       time.Time        `json:"deadline,omitempty"`
	BracketDue     time.Time        `json:"bracket_due,omitempty"`
	RepairFailures int              `json:"repair_failures,omitempty"`
	Adopted        bool             `json:"adopted,omitempty"`
	ClosedAt       time.Time        `json:"closed_at,omitempty"`
	CloseReason    string           `json:"close_reason,omitempty"`
}

// Fired reports whether the named stage already fired.
func (p Position) Fired(stage string) bool {
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// RAt is the R-multiple of closing at price.
func (p Position) RAt(price float64) float64 {
	if p.StopDistance <= 0 || price <= 0 {
		return 0
	}
	return (price - p.EntryPrice) * p.Direction.Sign() / p.StopDistance
}

// UnrealizedR measures the position against the price it would exit at now.
func (p Position) UnrealizedR(s models.Snapshot) float64 {
	return p.RAt(s.ExitPrice(p.Direction))
}

// OutcomeEvent reports a realized close, partial or full.
type OutcomeEvent struct {
	Lane       string        `json:"lane"`
	Instrument string        `json:"instrument"`
	PositionID string        `json:"position_id"`
	Stage      string        `json:"stage"`
	Weight     float64       `json:"weight"`
	R          float64       `json:"r"`
	Units      int64         `json:"units"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// OutcomeSink consumes outcome events. Implementations must not block.
type OutcomeSink interface {
	RecordOutcome(OutcomeEvent)
}
