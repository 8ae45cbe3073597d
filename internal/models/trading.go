package models

import (
	"math"
	"time"
)

// Direction is the side of a position.
type Direction int8

const (
	Long  Direction = 1
	Short Direction = -1
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	return float64(d)
}

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Signal is a candidate trade emitted by a strategy. It only lives for one tick.
type Signal struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Confidence float64   `json:"confidence"`
	StrategyID string    `json:"strategy_id"`
}

// RiskDistance is the absolute distance between entry and stop.
func (s Signal) RiskDistance() float64 {
	return math.Abs(s.Entry - s.StopLoss)
}

// RewardDistance is the absolute distance between entry and target.
func (s Signal) RewardDistance() float64 {
	return math.Abs(s.TakeProfit - s.Entry)
}

// Valid reports whether stop and target sit on the correct sides of entry.
func (s Signal) Valid() bool {
	if s.Entry <= 0 || s.StopLoss <= 0 || s.TakeProfit <= 0 {
		return false
	}
	sign := s.Direction.Sign()
	return (s.Entry-s.StopLoss)*sign > 0 && (s.TakeProfit-s.Entry)*sign > 0
}

// ParamSet holds the per-instrument tunables the strategies read.
type ParamSet struct {
	BandMultiplier   float64   `json:"band_multiplier"`
	StopMultiplier   float64   `json:"stop_multiplier"`
	TargetMultiplier float64   `json:"target_multiplier"`
	Score            float64   `json:"score"`
	Samples          int       `json:"samples"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OrderStatus is the broker-reported state of a submitted order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
	OrderCanceled OrderStatus = "canceled"
)

// OrderRequest is an entry order with its protective bracket.
type OrderRequest struct {
	AccountID     string
	ClientOrderID string
	Instrument    string
	Direction     Direction
	Units         int64
	StopLoss      float64
	TakeProfit    float64
}

// OrderResult is the normalized gateway answer to a submission, a query or a close.
type OrderResult struct {
	OrderID     string
	PositionID  string
	Status      OrderStatus
	FilledPrice float64
	FilledUnits int64
	FilledAt    time.Time
	Reason      string
}

// BrokerPosition represents a position held at the broker.
type BrokerPosition struct {
	ID            string
	Instrument    string
	Direction     Direction
	Units         int64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	HasStopLoss   bool
	HasTakeProfit bool
	OpenedAt      time.Time
}

// Protected reports whether both bracket legs are attached.
func (p BrokerPosition) Protected() bool {
	return p.HasStopLoss && p.HasTakeProfit
}

// GuardState is the per-instrument admission gate derived each tick.
type GuardState struct {
	Instrument     string        `json:"instrument"`
	Halted         bool          `json:"halted"`
	HaltUntil      time.Time     `json:"halt_until"`
	Reason         string        `json:"reason"`
	RiskMultiplier float64       `json:"risk_multiplier"`
	SnapshotAge    time.Duration `json:"snapshot_age"`
}

// Throttled reports whether risk is scaled down without a halt.
func (g GuardState) Throttled() bool {
	return !g.Halted && g.RiskMultiplier > 0 && g.RiskMultiplier < 1
}
