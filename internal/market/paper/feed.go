package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/models"
)

// ErrNoQuote is returned when the feed has never seen the instrument.
var ErrNoQuote = errors.New("paper: no quote")

// Feed is a settable in-memory SnapshotProvider.
type Feed struct {
	mu        sync.RWMutex
	snapshots map[string]models.Snapshot
	bars      map[string]map[models.Granularity][]models.Bar
	failing   map[string]int
}

var _ market.SnapshotProvider = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{
		snapshots: make(map[string]models.Snapshot),
		bars:      make(map[string]map[models.Granularity][]models.Bar),
		failing:   make(map[string]int),
	}
}

// SetQuote stores a bid/ask observed at t.
func (f *Feed) SetQuote(instrument string, bid, ask float64, t time.Time) {
	f.SetSnapshot(models.NewSnapshot(instrument, bid, ask, t))
}

func (f *Feed) SetSnapshot(s models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[s.Instrument] = s
}

// SetBars replaces the bar history for one granularity.
func (f *Feed) SetBars(instrument string, granularity models.Granularity, bars []models.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bars[instrument] == nil {
		f.bars[instrument] = make(map[models.Granularity][]models.Bar)
	}
	f.bars[instrument][granularity] = append([]models.Bar(nil), bars...)
}

// FailNext makes the next n snapshot requests for instrument fail.
func (f *Feed) FailNext(instrument string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[instrument] = n
}

func (f *Feed) GetSnapshot(ctx context.Context, instrument string) (models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[instrument] > 0 {
		f.failing[instrument]--
		return models.Snapshot{}, fmt.Errorf("paper: snapshot %s: simulated timeout", instrument)
	}
	s, ok := f.snapshots[instrument]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("%w for %s", ErrNoQuote, instrument)
	}
	return s, nil
}

func (f *Feed) GetBars(ctx context.Context, instrument string, granularity models.Granularity, count int) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	bars := f.bars[instrument][granularity]
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]models.Bar(nil), bars...), nil
}
