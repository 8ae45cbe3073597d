package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Granularity names a bar size, e.g. "M5", "M15", "H1".
type Granularity string

const (
	M1  Granularity = "M1"
	M5  Granularity = "M5"
	M15 Granularity = "M15"
	H1  Granularity = "H1"
	H4  Granularity = "H4"
	D1  Granularity = "D1"
)

// Duration returns the wall-clock length of one bar.
func (g Granularity) Duration() time.Duration {
	switch g {
	case M1:
		return time.Minute
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D1:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Snapshot is the current top of book for one instrument.
// It is produced fresh every tick and never mutated.
type Snapshot struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Mid        float64   `json:"mid"`
	Spread     float64   `json:"spread"`
	ObservedAt time.Time `json:"observed_at"`
}

// NewSnapshot derives mid and spread from bid/ask.
func NewSnapshot(instrument string, bid, ask float64, observedAt time.Time) Snapshot {
	return Snapshot{
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		Mid:        (bid + ask) / 2,
		Spread:     ask - bid,
		ObservedAt: observedAt,
	}
}

// Age returns how old the observation is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// Fresh reports whether the snapshot may drive admission decisions.
func (s Snapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	if s.ObservedAt.IsZero() || s.Bid <= 0 || s.Ask <= 0 {
		return false
	}
	return s.Age(now) <= maxAge
}

// ExitPrice is the price a position in direction d would close at.
func (s Snapshot) ExitPrice(d Direction) float64 {
	if d == Long {
		return s.Bid
	}
	return s.Ask
}

// EntryPrice is the price a new position in direction d would open at.
func (s Snapshot) EntryPrice(d Direction) float64 {
	if d == Long {
		return s.Ask
	}
	return s.Bid
}

// Bar represents a candlestick for a timeframe.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Account is the broker's view of an account's funds.
type Account struct {
	ID         string
	Currency   string
	Balance    decimal.Decimal
	MarginUsed decimal.Decimal
}

// EconomicEvent is a scheduled high-impact release. An empty Instrument applies to every instrument;
// a three-letter currency applies to every instrument quoting it.
type EconomicEvent struct {
	Instrument string    `json:"instrument"`
	Title      string    `json:"title"`
	Time       time.Time `json:"time"`
}

// Sentiment is an aggregated news sentiment reading in [-1, 1].
type Sentiment struct {
	Score       float64 `json:"score"`
	SampleCount int     `json:"sample_count"`
}
