package paper

import (
	"context"
	"sync"

	"lane_trading/internal/market"
	"lane_trading/internal/models"
)

// Calendar is a static SafetySource. The zero value reports no events and neutral sentiment.
type Calendar struct {
	mu        sync.RWMutex
	events    []models.EconomicEvent
	sentiment models.Sentiment
	err       error
}

var _ market.SafetySource = (*Calendar)(nil)

func (c *Calendar) SetEvents(events []models.EconomicEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append([]models.EconomicEvent(nil), events...)
}

func (c *Calendar) SetSentiment(s models.Sentiment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentiment = s
}

// SetError makes every call fail with err until cleared with nil.
func (c *Calendar) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Calendar) UpcomingHighImpactEvents(ctx context.Context, withinMinutes int) ([]models.EconomicEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]models.EconomicEvent(nil), c.events...), nil
}

func (c *Calendar) SentimentScore(ctx context.Context, windowMinutes int) (models.Sentiment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return models.Sentiment{}, c.err
	}
	return c.sentiment, nil
}
