// Package guard derives per-instrument admission gates from the calendar, news sentiment and
// quote freshness. Guard states are recomputed every tick and never persisted.
package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/models"

	"go.uber.org/zap"
)

const (
	ReasonEvent     = "high_impact_event"
	ReasonSentiment = "negative_sentiment"
	ReasonStale     = "stale_snapshot"
	ReasonNoQuote   = "no_snapshot"
)

// Config holds the guard thresholds.
type Config struct {
	EventLead      time.Duration // halt starts this long before an event
	EventCooldown  time.Duration // and ends this long after it
	SnapshotMaxAge time.Duration

	SentimentWindow     time.Duration // lookback passed to the source
	SentimentMinSamples int
	SentimentHalt       float64 // score at or below halts
	SentimentThrottle   float64 // score at or below halves risk
	SentimentHold       time.Duration
	ThrottleMultiplier  float64
}

func DefaultConfig() Config {
	return Config{
		EventLead:           30 * time.Minute,
		EventCooldown:       15 * time.Minute,
		SnapshotMaxAge:      30 * time.Second,
		SentimentWindow:     60 * time.Minute,
		SentimentMinSamples: 5,
		SentimentHalt:       -0.6,
		SentimentThrottle:   -0.3,
		SentimentHold:       60 * time.Minute,
		ThrottleMultiplier:  0.5,
	}
}

// Aggregator combines the safety source with snapshot ages.
// It is shared by all lanes; the only state it keeps is the active sentiment window.
type Aggregator struct {
	cfg    Config
	source market.SafetySource
	log    *zap.Logger

	mu             sync.Mutex
	sentimentUntil time.Time
	sentimentHalt  bool
}

func NewAggregator(cfg Config, source market.SafetySource, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ThrottleMultiplier <= 0 || cfg.ThrottleMultiplier > 1 {
		cfg.ThrottleMultiplier = 0.5
	}
	return &Aggregator{cfg: cfg, source: source, log: log.Named("guard")}
}

// MaxAge is the snapshot freshness bound.
func (a *Aggregator) MaxAge() time.Duration {
	return a.cfg.SnapshotMaxAge
}

// Assess returns a GuardState for every instrument. A missing entry in snapshots counts as no quote.
func (a *Aggregator) Assess(ctx context.Context, now time.Time, snapshots map[string]*models.Snapshot, instruments []string) map[string]models.GuardState {
	events := a.events(ctx)
	sentimentHalt, sentimentUntil := a.sentiment(ctx, now)

	out := make(map[string]models.GuardState, len(instruments))
	for _, inst := range instruments {
		st := models.GuardState{Instrument: inst, RiskMultiplier: 1}

		if !sentimentUntil.IsZero() {
			if sentimentHalt {
				st.Halted, st.HaltUntil, st.Reason = true, sentimentUntil, ReasonSentiment
			}
			st.RiskMultiplier = a.cfg.ThrottleMultiplier
		}

		for _, ev := range events {
			if !matches(ev.Instrument, inst) {
				continue
			}
			from, until := ev.Time.Add(-a.cfg.EventLead), ev.Time.Add(a.cfg.EventCooldown)
			if now.Before(from) || !now.Before(until) {
				continue
			}
			if !st.Halted || until.After(st.HaltUntil) {
				st.Halted, st.HaltUntil, st.Reason = true, until, ReasonEvent
			}
		}

		snap := snapshots[inst]
		switch {
		case snap == nil:
			st.Halted, st.HaltUntil, st.Reason = true, time.Time{}, ReasonNoQuote
		case !snap.Fresh(now, a.cfg.SnapshotMaxAge):
			st.SnapshotAge = snap.Age(now)
			st.Halted, st.HaltUntil, st.Reason = true, time.Time{}, ReasonStale
		default:
			st.SnapshotAge = snap.Age(now)
		}
		out[inst] = st
	}
	return out
}

func (a *Aggregator) events(ctx context.Context) []models.EconomicEvent {
	if a.source == nil {
		return nil
	}
	within := int((a.cfg.EventLead + a.cfg.EventCooldown) / time.Minute)
	events, err := a.source.UpcomingHighImpactEvents(ctx, within)
	if err != nil {
		a.log.Warn("event calendar unavailable", zap.Error(err))
		return nil
	}
	return events
}

// sentiment returns the active sentiment window, opening a new one on a corroborated reading.
func (a *Aggregator) sentiment(ctx context.Context, now time.Time) (bool, time.Time) {
	var reading models.Sentiment
	var err error
	if a.source != nil {
		reading, err = a.source.SentimentScore(ctx, int(a.cfg.SentimentWindow/time.Minute))
		if err != nil {
			a.log.Warn("sentiment unavailable", zap.Error(err))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sentimentUntil.IsZero() && !now.Before(a.sentimentUntil) {
		a.sentimentUntil, a.sentimentHalt = time.Time{}, false
	}
	if err == nil && a.source != nil && reading.SampleCount >= a.cfg.SentimentMinSamples {
		switch {
		case reading.Score <= a.cfg.SentimentHalt:
			a.sentimentUntil, a.sentimentHalt = now.Add(a.cfg.SentimentHold), true
			a.log.Info("sentiment halt", zap.Float64("score", reading.Score), zap.Int("samples", reading.SampleCount))
		case reading.Score <= a.cfg.SentimentThrottle && !a.sentimentHalt:
			a.sentimentUntil = now.Add(a.cfg.SentimentHold)
		}
	}
	return a.sentimentHalt, a.sentimentUntil
}

// matches reports whether an event keyed by scope applies to instrument.
// Empty scope is global; a bare currency matches either leg of a pair.
func matches(scope, instrument string) bool {
	if scope == "" || scope == instrument {
		return true
	}
	if len(scope) == 3 {
		for _, leg := range strings.FieldsFunc(instrument, func(r rune) bool { return r == '_' || r == '/' }) {
			if leg == scope {
				return true
			}
		}
	}
	return false
}
