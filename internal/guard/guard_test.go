package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"lane_trading/internal/market/paper"
	"lane_trading/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func fresh(inst string, at time.Time) *models.Snapshot {
	s := models.NewSnapshot(inst, 1.1000, 1.1002, at)
	return &s
}

func TestAssess_Clear(t *testing.T) {
	a := NewAggregator(DefaultConfig(), &paper.Calendar{}, nil)
	got := a.Assess(context.Background(), t0, map[string]*models.Snapshot{"EUR_USD": fresh("EUR_USD", t0)}, []string{"EUR_USD"})

	st := got["EUR_USD"]
	assert.False(t, st.Halted)
	assert.Equal(t, 1.0, st.RiskMultiplier)
	assert.Empty(t, st.Reason)
}

func TestAssess_StaleAndMissingSnapshots(t *testing.T) {
	a := NewAggregator(DefaultConfig(), &paper.Calendar{}, nil)
	snaps := map[string]*models.Snapshot{
		"EUR_USD": fresh("EUR_USD", t0.Add(-2*time.Minute)),
		"GBP_USD": fresh("GBP_USD", t0),
	}
	got := a.Assess(context.Background(), t0, snaps, []string{"EUR_USD", "GBP_USD", "USD_JPY"})

	assert.True(t, got["EUR_USD"].Halted)
	assert.Equal(t, ReasonStale, got["EUR_USD"].Reason)
	assert.Equal(t, 2*time.Minute, got["EUR_USD"].SnapshotAge)
	assert.False(t, got["GBP_USD"].Halted)
	assert.True(t, got["USD_JPY"].Halted)
	assert.Equal(t, ReasonNoQuote, got["USD_JPY"].Reason)

	// A fresh quote lifts the halt on the next assessment.
	snaps["EUR_USD"] = fresh("EUR_USD", t0)
	got = a.Assess(context.Background(), t0, snaps, []string{"EUR_USD"})
	assert.False(t, got["EUR_USD"].Halted)
}

func TestAssess_EventWindow(t *testing.T) {
	cal := &paper.Calendar{}
	cal.SetEvents([]models.EconomicEvent{{Instrument: "USD", Title: "NFP", Time: t0.Add(20 * time.Minute)}})
	a := NewAggregator(DefaultConfig(), cal, nil)

	snaps := map[string]*models.Snapshot{
		"EUR_USD": fresh("EUR_USD", t0),
		"EUR_GBP": fresh("EUR_GBP", t0),
	}
	got := a.Assess(context.Background(), t0, snaps, []string{"EUR_USD", "EUR_GBP"})
	require.True(t, got["EUR_USD"].Halted)
	assert.Equal(t, ReasonEvent, got["EUR_USD"].Reason)
	assert.Equal(t, t0.Add(35*time.Minute), got["EUR_USD"].HaltUntil)
	assert.False(t, got["EUR_GBP"].Halted)

	// Outside the lead time nothing halts.
	early := t0.Add(-15 * time.Minute)
	snaps["EUR_USD"] = fresh("EUR_USD", early)
	got = a.Assess(context.Background(), early, snaps, []string{"EUR_USD"})
	assert.False(t, got["EUR_USD"].Halted)
}

func TestAssess_Sentiment(t *testing.T) {
	cal := &paper.Calendar{}
	a := NewAggregator(DefaultConfig(), cal, nil)
	snaps := func(at time.Time) map[string]*models.Snapshot {
		return map[string]*models.Snapshot{"EUR_USD": fresh("EUR_USD", at)}
	}

	t.Run("uncorroborated reading is ignored", func(t *testing.T) {
		cal.SetSentiment(models.Sentiment{Score: -0.9, SampleCount: 2})
		st := a.Assess(context.Background(), t0, snaps(t0), []string{"EUR_USD"})["EUR_USD"]
		assert.False(t, st.Halted)
		assert.Equal(t, 1.0, st.RiskMultiplier)
	})

	t.Run("throttle halves risk", func(t *testing.T) {
		cal.SetSentiment(models.Sentiment{Score: -0.4, SampleCount: 10})
		st := a.Assess(context.Background(), t0, snaps(t0), []string{"EUR_USD"})["EUR_USD"]
		assert.False(t, st.Halted)
		assert.True(t, st.Throttled())
		assert.Equal(t, 0.5, st.RiskMultiplier)
	})

	t.Run("window persists after the reading recovers", func(t *testing.T) {
		cal.SetSentiment(models.Sentiment{Score: 0.2, SampleCount: 10})
		at := t0.Add(30 * time.Minute)
		st := a.Assess(context.Background(), at, snaps(at), []string{"EUR_USD"})["EUR_USD"]
		assert.Equal(t, 0.5, st.RiskMultiplier)

		at = t0.Add(61 * time.Minute)
		st = a.Assess(context.Background(), at, snaps(at), []string{"EUR_USD"})["EUR_USD"]
		assert.Equal(t, 1.0, st.RiskMultiplier)
	})

	t.Run("strongly negative halts", func(t *testing.T) {
		cal.SetSentiment(models.Sentiment{Score: -0.8, SampleCount: 10})
		at := t0.Add(2 * time.Hour)
		st := a.Assess(context.Background(), at, snaps(at), []string{"EUR_USD"})["EUR_USD"]
		assert.True(t, st.Halted)
		assert.Equal(t, ReasonSentiment, st.Reason)
		assert.Equal(t, at.Add(time.Hour), st.HaltUntil)
	})
}

func TestAssess_SourceFailureFailsOpen(t *testing.T) {
	cal := &paper.Calendar{}
	cal.SetError(errors.New("calendar down"))
	a := NewAggregator(DefaultConfig(), cal, nil)

	st := a.Assess(context.Background(), t0, map[string]*models.Snapshot{"EUR_USD": fresh("EUR_USD", t0)}, []string{"EUR_USD"})["EUR_USD"]
	assert.False(t, st.Halted)
}

func TestMatches(t *testing.T) {
	assert.True(t, matches("", "EUR_USD"))
	assert.True(t, matches("EUR_USD", "EUR_USD"))
	assert.True(t, matches("JPY", "USD_JPY"))
	assert.True(t, matches("USD", "BTC/USD"))
	assert.False(t, matches("GBP", "EUR_USD"))
	assert.False(t, matches("AAPL", "AAPL_X"))
}
