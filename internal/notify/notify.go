// Package notify carries structured outbound events (trades, brackets, lane health, parameter
// changes) to whoever renders or delivers them. The engine only produces events.
package notify

import (
	"context"
	"sync"
	"time"

	"lane_trading/internal/metrics"

	"go.uber.org/zap"
)

type Kind string

const (
	TradeOpened         Kind = "trade_opened"
	TradeScaled         Kind = "trade_scaled"
	TradeClosed         Kind = "trade_closed"
	OrderFailed         Kind = "order_failed"
	PositionAdopted     Kind = "position_adopted"
	BracketRepaired     Kind = "bracket_repaired"
	BracketRepairFailed Kind = "bracket_repair_failed"
	LaneDegraded        Kind = "lane_degraded"
	LaneRecovered       Kind = "lane_recovered"
	ParamsChanged       Kind = "params_changed"
	ParamsReset         Kind = "params_reset"
)

// Event is one outbound notification.
type Event struct {
	Kind       Kind           `json:"kind"`
	Lane       string         `json:"lane,omitempty"`
	Instrument string         `json:"instrument,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

// Alert reports whether the event needs operator attention.
func (e Event) Alert() bool {
	switch e.Kind {
	case BracketRepairFailed, LaneDegraded, ParamsReset, OrderFailed:
		return true
	}
	return false
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Bus fans events out to subscribers. A full subscriber loses the event rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every event published after the call.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.EventDropped()
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}

// Sink delivers events somewhere.
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

// Forward drains a subscription into sink until ctx ends or the bus closes.
func Forward(ctx context.Context, events <-chan Event, sink Sink, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := sink.Handle(ctx, e); err != nil {
				log.Warn("notification delivery failed", zap.String("kind", string(e.Kind)), zap.Error(err))
			}
		}
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Handle(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("lane", e.Lane),
		zap.String("instrument", e.Instrument),
		zap.Time("at", e.At),
	}
	if len(e.Fields) > 0 {
		fields = append(fields, zap.Any("fields", e.Fields))
	}
	if e.Alert() {
		s.Log.Warn(e.Message, fields...)
	} else {
		s.Log.Info(e.Message, fields...)
	}
	return nil
}
