package strategy

import (
	"time"

	"lane_trading/internal/models"
)

// Session is a market open, expressed as an offset from UTC midnight.
type Session struct {
	Name string
	Open time.Duration
}

// OpeningRangeConfig sets the range and trade windows. The breakout buffer and stop distance
// scale with the ParamSet multipliers through BufferScale and StopScale.
type OpeningRangeConfig struct {
	Bars             models.Granularity
	Sessions         []Session
	RangeWindow      time.Duration
	TradeWindow      time.Duration
	MinWidthFraction float64
	MaxWidthFraction float64
	BufferScale      float64
	StopScale        float64
}

func DefaultOpeningRangeConfig() OpeningRangeConfig {
	return OpeningRangeConfig{
		Bars: models.M5,
		Sessions: []Session{
			{Name: "london", Open: 7 * time.Hour},
			{Name: "new_york", Open: 13*time.Hour + 30*time.Minute},
		},
		RangeWindow:      30 * time.Minute,
		TradeWindow:      2 * time.Hour,
		MinWidthFraction: 0.0005,
		MaxWidthFraction: 0.01,
		BufferScale:      0.05,
		StopScale:        0.5,
	}
}

// OpeningRange trades a fresh close beyond the high/low of the first RangeWindow of a session.
type OpeningRange struct {
	cfg OpeningRangeConfig
}

func NewOpeningRange(cfg OpeningRangeConfig) *OpeningRange {
	return &OpeningRange{cfg: cfg}
}

func (s *OpeningRange) Name() string { return KeyOpeningRange }

func (s *OpeningRange) History() []HistoryRequest {
	step := s.cfg.Bars.Duration()
	if step <= 0 {
		return nil
	}
	n := int((s.cfg.RangeWindow+s.cfg.TradeWindow)/step) + 2
	return []HistoryRequest{{Granularity: s.cfg.Bars, Count: n}}
}

// activeSession returns the open time of the session whose trade window contains now.
func (s *OpeningRange) activeSession(now time.Time) (time.Time, bool) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, sess := range s.cfg.Sessions {
		open := midnight.Add(sess.Open)
		start := open.Add(s.cfg.RangeWindow)
		if !now.Before(start) && now.Before(start.Add(s.cfg.TradeWindow)) {
			return open, true
		}
	}
	return time.Time{}, false
}

func (s *OpeningRange) Analyze(in Input) []models.Signal {
	if !usableParams(in.Params) {
		return nil
	}
	step := s.cfg.Bars.Duration()
	if step <= 0 {
		return nil
	}
	open, ok := s.activeSession(in.Now)
	if !ok {
		return nil
	}
	rangeEnd := open.Add(s.cfg.RangeWindow)

	var high, low float64
	var inRange int
	var after []models.Bar
	var lastRange *models.Bar
	bars := in.History[s.cfg.Bars]
	for i := range bars {
		b := bars[i]
		switch {
		case b.Time.Before(open):
			continue
		case b.Time.Before(rangeEnd):
			if inRange == 0 || b.High > high {
				high = b.High
			}
			if inRange == 0 || b.Low < low {
				low = b.Low
			}
			inRange++
			lastRange = &bars[i]
		default:
			after = append(after, b)
		}
	}
	// The range needs every bar of the window; a partial range is not tradable.
	if inRange < int(s.cfg.RangeWindow/step) || len(after) == 0 || lastRange == nil {
		return nil
	}

	width := high - low
	mid := in.Snapshot.Mid
	if width <= 0 || mid <= 0 {
		return nil
	}
	frac := width / mid
	if frac < s.cfg.MinWidthFraction || frac > s.cfg.MaxWidthFraction {
		return nil
	}

	buffer := width * in.Params.BandMultiplier * s.cfg.BufferScale
	upper, lower := high+buffer, low-buffer
	last := after[len(after)-1]
	prev := *lastRange
	if len(after) > 1 {
		prev = after[len(after)-2]
	}

	var dir models.Direction
	var excess float64
	switch {
	case last.Close > upper && prev.Close <= upper:
		dir, excess = models.Long, last.Close-upper
	case last.Close < lower && prev.Close >= lower:
		dir, excess = models.Short, lower-last.Close
	default:
		return nil
	}

	entry := in.Snapshot.EntryPrice(dir)
	stopDist := in.Params.StopMultiplier * width * s.cfg.StopScale
	sign := dir.Sign()
	sig := models.Signal{
		Instrument: in.Snapshot.Instrument,
		Direction:  dir,
		Entry:      entry,
		StopLoss:   entry - sign*stopDist,
		TakeProfit: entry + sign*stopDist*in.Params.TargetMultiplier,
		Confidence: clamp(0.5+excess/width, 0, 1),
		StrategyID: s.Name(),
	}
	if !sig.Valid() {
		return nil
	}
	return []models.Signal{sig}
}
