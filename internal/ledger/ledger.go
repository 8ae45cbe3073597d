// Package ledger tracks every position a lane opened, from order submission to archive, and
// drives the staged profit-taking, bracket repair and max-hold exits.
//
// A Ledger belongs to one lane; only that lane's goroutine mutates it. Reads from other
// goroutines (status, metrics) see copies taken under the lock.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/metrics"
	"lane_trading/internal/models"
	"lane_trading/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	MaxHold           time.Duration
	BracketGrace      time.Duration
	PendingTimeout    time.Duration
	MaxRepairAttempts int
	SnapshotMaxAge    time.Duration
	// Adopted positions without a stop get one at entry × DefaultStopFraction,
	// and a target DefaultTargetR stop distances away.
	DefaultStopFraction float64
	DefaultTargetR      float64
	ArchiveSize         int
}

func DefaultConfig() Config {
	return Config{
		MaxHold:             8 * time.Hour,
		BracketGrace:        30 * time.Second,
		PendingTimeout:      2 * time.Minute,
		MaxRepairAttempts:   2,
		SnapshotMaxAge:      30 * time.Second,
		DefaultStopFraction: 0.005,
		DefaultTargetR:      2.0,
		ArchiveSize:         200,
	}
}

// Hooks let the owner keep its budgets in step with the ledger.
type Hooks struct {
	Closed  func(p Position) // a live position left the book
	Failed  func(p Position) // a pending order never filled
	Tracked func(p Position) // a restored or adopted position joined the book
}

// Store persists ledger documents. storage.LaneStore satisfies it.
type Store interface {
	Save(lane string, v any) error
	Load(lane string, v any) (bool, error)
}

type Deps struct {
	Gateway   market.Gateway
	Store     Store
	Sinks     []OutcomeSink
	Publisher notify.Publisher
	Hooks     Hooks
	Log       *zap.Logger
}

type Ledger struct {
	lane    string
	account string
	cfg     Config
	gw      market.Gateway
	store   Store
	sinks   []OutcomeSink
	bus     notify.Publisher
	hooks   Hooks
	log     *zap.Logger

	mu        sync.RWMutex
	positions map[string]*Position
	archive   []Position
	seq       int64
}

func New(lane, accountID string, cfg Config, d Deps) *Ledger {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Publisher == nil {
		d.Publisher = notify.Discard
	}
	if cfg.MaxRepairAttempts <= 0 {
		cfg.MaxRepairAttempts = 2
	}
	return &Ledger{
		lane:      lane,
		account:   accountID,
		cfg:       cfg,
		gw:        d.Gateway,
		store:     d.Store,
		sinks:     d.Sinks,
		bus:       d.Publisher,
		hooks:     d.Hooks,
		log:       d.Log.Named("ledger").With(zap.String("lane", lane)),
		positions: make(map[string]*Position),
	}
}

// Begin records a submitted order as a Pending position and returns it.
// Its ID doubles as the client order id.
func (l *Ledger) Begin(sig models.Signal, units int64, risk decimal.Decimal, now time.Time) Position {
	l.mu.Lock()
	l.seq++
	p := Position{
		ID:             uuid.NewString(),
		Seq:            l.seq,
		Lane:           l.lane,
		Instrument:     sig.Instrument,
		Direction:      sig.Direction,
		StrategyID:     sig.StrategyID,
		State:          Pending,
		EntryPrice:     sig.Entry,
		StopDistance:   sig.RiskDistance(),
		InitialUnits:   units,
		RemainingUnits: units,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Risk:           risk,
		SubmittedAt:    now,
	}
	cp := p
	l.positions[p.ID] = &cp
	l.mu.Unlock()

	l.persist(now)
	return p
}

// ConfirmFill applies the gateway's answer to a pending submission.
func (l *Ledger) ConfirmFill(id string, res *models.OrderResult, now time.Time) error {
	p, ok := l.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if p.State != Pending {
		return fmt.Errorf("%w: %s already %s", ErrInvalidTransition, id, p.State)
	}
	if res == nil {
		return fmt.Errorf("confirm %s: nil order result", id)
	}
	if res.OrderID != "" {
		p.OrderID = res.OrderID
	}

	switch res.Status {
	case models.OrderFilled:
	case models.OrderPending:
		l.put(p)
		l.persist(now)
		return nil
	default:
		reason := res.Reason
		if reason == "" {
			reason = string(res.Status)
		}
		l.put(p)
		return l.Fail(id, reason, now)
	}

	if err := p.transition(Open); err != nil {
		return err
	}
	p.BrokerID = res.PositionID
	if res.FilledPrice > 0 {
		p.EntryPrice = res.FilledPrice
		if d := abs(p.EntryPrice - p.StopLoss); d > 0 {
			p.StopDistance = d
		}
	}
	if res.FilledUnits > 0 {
		p.InitialUnits, p.RemainingUnits = res.FilledUnits, res.FilledUnits
	}
	p.OpenedAt = res.FilledAt
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.Deadline = p.OpenedAt.Add(l.cfg.MaxHold)
	p.BracketDue = p.OpenedAt.Add(l.cfg.BracketGrace)

	l.dropAdoptedDuplicate(p.BrokerID)
	l.put(p)
	l.log.Info("position opened",
		zap.String("id", p.ID),
		zap.String("instrument", p.Instrument),
		zap.Stringer("direction", p.Direction),
		zap.Int64("units", p.InitialUnits),
		zap.Float64("entry", p.EntryPrice))
	l.publish(notify.TradeOpened, p, fmt.Sprintf("%s %d @ %.5f (SL %.5f / TP %.5f)",
		p.Direction, p.InitialUnits, p.EntryPrice, p.StopLoss, p.TakeProfit), now)
	l.persist(now)
	return nil
}

// Fail moves a pending position to Failed and archives it.
func (l *Ledger) Fail(id, reason string, now time.Time) error {
	p, ok := l.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if err := p.transition(Failed); err != nil {
		return err
	}
	p.ClosedAt, p.CloseReason = now, reason
	l.retire(p)
	if l.hooks.Failed != nil {
		l.hooks.Failed(p)
	}
	l.log.Warn("order failed", zap.String("id", p.ID), zap.String("instrument", p.Instrument), zap.String("reason", reason))
	l.publish(notify.OrderFailed, p, reason, now)
	l.persist(now)
	return nil
}

// Positions returns copies of every tracked position in admission order.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Live returns the tracked positions that hold units at the broker.
func (l *Ledger) Live() []Position {
	all := l.Positions()
	out := all[:0]
	for _, p := range all {
		if p.State.Live() {
			out = append(out, p)
		}
	}
	return out
}

// Get returns a copy of a tracked or archived position.
func (l *Ledger) Get(id string) (Position, bool) {
	if p, ok := l.get(id); ok {
		return p, true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.archive) - 1; i >= 0; i-- {
		if l.archive[i].ID == id {
			return l.archive[i], true
		}
	}
	return Position{}, false
}

// Archive returns recently closed or failed positions, oldest first.
func (l *Ledger) Archive() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Position(nil), l.archive...)
}

func (l *Ledger) get(id string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (l *Ledger) put(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[p.ID] = &p
}

func (l *Ledger) retire(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, p.ID)
	l.archive = append(l.archive, p)
	if n := l.cfg.ArchiveSize; n > 0 && len(l.archive) > n {
		l.archive = append([]Position(nil), l.archive[len(l.archive)-n:]...)
	}
	metrics.SetPositionsOpen(l.lane, l.liveCountLocked())
}

func (l *Ledger) liveCountLocked() int {
	n := 0
	for _, p := range l.positions {
		if p.State.Live() {
			n++
		}
	}
	return n
}

// dropAdoptedDuplicate forgets a position adopted during reconciliation that turns out to be
// the fill of an order the ledger was still waiting on.
func (l *Ledger) dropAdoptedDuplicate(brokerID string) {
	if brokerID == "" {
		return
	}
	var dup *Position
	l.mu.Lock()
	for id, p := range l.positions {
		if p.Adopted && p.BrokerID == brokerID {
			dup = p
			delete(l.positions, id)
			break
		}
	}
	l.mu.Unlock()
	if dup != nil {
		l.log.Info("adopted position matched a confirmed fill", zap.String("broker_id", brokerID))
		if l.hooks.Closed != nil {
			l.hooks.Closed(*dup)
		}
	}
}

func (l *Ledger) publish(kind notify.Kind, p Position, msg string, now time.Time) {
	l.bus.Publish(notify.Event{
		Kind:       kind,
		Lane:       l.lane,
		Instrument: p.Instrument,
		Message:    msg,
		Fields: map[string]any{
			"position_id": p.ID,
			"direction":   p.Direction.String(),
			"remaining":   p.RemainingUnits,
		},
		At: now,
	})
}

func (l *Ledger) emit(ev OutcomeEvent) {
	for _, s := range l.sinks {
		s.RecordOutcome(ev)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
