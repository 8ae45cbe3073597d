package ledger

import (
	"context"
	"fmt"
	"time"

	"lane_trading/internal/metrics"
	"lane_trading/internal/models"
	"lane_trading/internal/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconcile aligns the ledger with the broker's open positions. Live positions the broker no
// longer holds are archived as broker exits; broker positions nobody tracks are adopted.
// The returned index feeds Manage's bracket checks.
func (l *Ledger) Reconcile(now time.Time, held []models.BrokerPosition, snaps map[string]*models.Snapshot) map[string]models.BrokerPosition {
	index := make(map[string]models.BrokerPosition, len(held))
	for _, bp := range held {
		index[bp.ID] = bp
	}

	tracked := make(map[string][]Position)
	for _, p := range l.Positions() {
		if p.BrokerID != "" {
			tracked[p.BrokerID] = append(tracked[p.BrokerID], p)
		}
	}

	for _, p := range l.Live() {
		bp, ok := index[p.BrokerID]
		if !ok {
			l.brokerExit(p, snaps[p.Instrument], now)
			continue
		}
		if len(tracked[p.BrokerID]) == 1 && bp.Units > 0 && bp.Units < p.RemainingUnits {
			l.log.Warn("broker holds fewer units than tracked",
				zap.String("id", p.ID), zap.Int64("tracked", p.RemainingUnits), zap.Int64("broker", bp.Units))
			p.RemainingUnits = bp.Units
			l.put(p)
		}
	}

	for _, bp := range held {
		if _, ok := tracked[bp.ID]; ok {
			continue
		}
		l.adopt(bp, now)
	}

	l.persist(now)
	return index
}

func (l *Ledger) brokerExit(p Position, snap *models.Snapshot, now time.Time) {
	p.State = Closed
	p.ClosedAt, p.CloseReason = now, ReasonBrokerExit
	units := p.RemainingUnits
	p.RemainingUnits = 0
	l.retire(p)
	if l.hooks.Closed != nil {
		l.hooks.Closed(p)
	}

	// Without a price the exit is reported at zero weight.
	ev := OutcomeEvent{
		Lane: l.lane, Instrument: p.Instrument, PositionID: p.ID, Stage: ReasonBrokerExit,
		Units: units, Duration: now.Sub(p.OpenedAt), At: now,
	}
	if snap != nil {
		ev.Weight, ev.R = 1.0, p.UnrealizedR(*snap)
	} else {
		l.log.Warn("broker exit without a price, recorded at zero weight", zap.String("id", p.ID))
	}
	l.emit(ev)
	metrics.ScaleEvent(ReasonBrokerExit)
	l.log.Info("position closed at broker", zap.String("id", p.ID), zap.String("instrument", p.Instrument))
	l.publish(notify.TradeClosed, p, "closed at broker (stop or target)", now)
}

func (l *Ledger) adopt(bp models.BrokerPosition, now time.Time) {
	dist := 0.0
	sl, tp := bp.StopLoss, bp.TakeProfit
	if bp.HasStopLoss && sl > 0 {
		dist = abs(bp.EntryPrice - sl)
	}
	if dist <= 0 {
		dist = bp.EntryPrice * l.cfg.DefaultStopFraction
		sl = bp.EntryPrice - dist*bp.Direction.Sign()
	}
	if !bp.HasTakeProfit || tp <= 0 {
		tp = bp.EntryPrice + dist*l.cfg.DefaultTargetR*bp.Direction.Sign()
	}
	opened := bp.OpenedAt
	if opened.IsZero() {
		opened = now
	}

	l.mu.Lock()
	l.seq++
	p := Position{
		ID:             uuid.NewString(),
		Seq:            l.seq,
		BrokerID:       bp.ID,
		Lane:           l.lane,
		Instrument:     bp.Instrument,
		Direction:      bp.Direction,
		State:          Open,
		EntryPrice:     bp.EntryPrice,
		StopDistance:   dist,
		InitialUnits:   bp.Units,
		RemainingUnits: bp.Units,
		StopLoss:       sl,
		TakeProfit:     tp,
		SubmittedAt:    opened,
		OpenedAt:       opened,
		Deadline:       opened.Add(l.cfg.MaxHold),
		BracketDue:     now,
		Adopted:        true,
	}
	cp := p
	l.positions[p.ID] = &cp
	metrics.SetPositionsOpen(l.lane, l.liveCountLocked())
	l.mu.Unlock()

	if l.hooks.Tracked != nil {
		l.hooks.Tracked(p)
	}
	l.log.Info("position adopted",
		zap.String("broker_id", bp.ID),
		zap.String("instrument", bp.Instrument),
		zap.Int64("units", bp.Units),
		zap.Float64("stop_loss", sl),
		zap.Float64("take_profit", tp))
	l.publish(notify.PositionAdopted, p, fmt.Sprintf("discovered at broker, SL %.5f / TP %.5f applied", sl, tp), now)
}

// Manage runs one tick of lifecycle work: pending fills, bracket checks, max-hold exits and
// stage scaling. held is the index from Reconcile, or nil when the broker could not be listed
// this tick, in which case bracket checks wait for the next tick.
func (l *Ledger) Manage(ctx context.Context, now time.Time, snaps map[string]*models.Snapshot, held map[string]models.BrokerPosition) {
	for _, p := range l.Positions() {
		if _, ok := l.get(p.ID); !ok {
			continue
		}
		switch {
		case p.State == Pending:
			l.pollPending(ctx, now, p)
		case p.State.Live():
			l.manageLive(ctx, now, p, snaps[p.Instrument], held)
		}
	}
	l.persist(now)
}

func (l *Ledger) pollPending(ctx context.Context, now time.Time, p Position) {
	expired := now.Sub(p.SubmittedAt) >= l.cfg.PendingTimeout
	if p.OrderID == "" {
		if expired {
			l.fail(p.ID, "submission outcome unknown", now)
		}
		return
	}

	res, err := l.gw.GetOrder(ctx, l.account, p.OrderID)
	switch {
	case err != nil:
		l.log.Warn("order status unavailable", zap.String("id", p.ID), zap.Error(err))
	case res == nil || res.Status != models.OrderPending:
		if l.confirm(p.ID, res, now) {
			return
		}
	}
	if !expired {
		return
	}

	if err := l.gw.CancelOrder(ctx, l.account, p.OrderID); err != nil {
		l.log.Warn("cancel after timeout failed", zap.String("id", p.ID), zap.Error(err))
	}
	// The order may have filled while we were cancelling.
	if res, err := l.gw.GetOrder(ctx, l.account, p.OrderID); err == nil && res != nil && res.Status == models.OrderFilled {
		l.confirm(p.ID, res, now)
		return
	}
	l.fail(p.ID, "fill not confirmed before timeout", now)
}

func (l *Ledger) confirm(id string, res *models.OrderResult, now time.Time) bool {
	if err := l.ConfirmFill(id, res, now); err != nil {
		l.log.Error("fill not recorded", zap.String("id", id), zap.Error(err))
		return false
	}
	return true
}

func (l *Ledger) fail(id, reason string, now time.Time) {
	if err := l.Fail(id, reason, now); err != nil {
		l.log.Error("could not fail position", zap.String("id", id), zap.Error(err))
	}
}

func (l *Ledger) manageLive(ctx context.Context, now time.Time, p Position, snap *models.Snapshot, held map[string]models.BrokerPosition) {
	if held != nil && !now.Before(p.BracketDue) {
		if bp, ok := held[p.BrokerID]; ok && !bp.Protected() {
			var closed bool
			if p, closed = l.repairBracket(ctx, now, p, snap); closed {
				return
			}
		}
	}

	if !p.Deadline.IsZero() && !now.Before(p.Deadline) {
		l.closeRemaining(ctx, now, p, snap, ReasonMaxHold)
		return
	}

	if snap == nil || !snap.Fresh(now, l.cfg.SnapshotMaxAge) {
		return
	}
	l.scale(ctx, now, p, *snap)
}

func (l *Ledger) repairBracket(ctx context.Context, now time.Time, p Position, snap *models.Snapshot) (Position, bool) {
	err := l.gw.AttachBracket(ctx, l.account, p.BrokerID, p.StopLoss, p.TakeProfit)
	if err == nil {
		p.RepairFailures = 0
		l.put(p)
		metrics.BracketRepair("ok")
		l.log.Warn("bracket re-attached", zap.String("id", p.ID), zap.String("instrument", p.Instrument))
		l.publish(notify.BracketRepaired, p, fmt.Sprintf("SL %.5f / TP %.5f re-attached", p.StopLoss, p.TakeProfit), now)
		return p, false
	}

	p.RepairFailures++
	l.put(p)
	metrics.BracketRepair("failed")
	l.log.Error("bracket repair failed",
		zap.String("id", p.ID),
		zap.String("instrument", p.Instrument),
		zap.Int("attempt", p.RepairFailures),
		zap.Error(err))
	l.publish(notify.BracketRepairFailed, p, fmt.Sprintf("attempt %d: %v", p.RepairFailures, err), now)

	if p.RepairFailures >= l.cfg.MaxRepairAttempts {
		metrics.BracketRepair("forced_close")
		return p, l.closeRemaining(ctx, now, p, snap, ReasonBracketFailure)
	}
	return p, false
}

// closeRemaining exits the whole position outside the stage ladder.
func (l *Ledger) closeRemaining(ctx context.Context, now time.Time, p Position, snap *models.Snapshot, reason string) bool {
	p, err := l.close(ctx, now, p, p.RemainingUnits, reason, 1.0, snap)
	if err != nil {
		l.log.Error("forced close failed", zap.String("id", p.ID), zap.String("reason", reason), zap.Error(err))
		return false
	}
	l.finish(p, reason, now)
	return true
}

func (l *Ledger) scale(ctx context.Context, now time.Time, p Position, snap models.Snapshot) {
	r := p.UnrealizedR(snap)
	changed := false
	for _, st := range Stages {
		if p.Fired(st.Name) {
			continue
		}
		if r < st.Trigger {
			break
		}

		if units := st.units(p.RemainingUnits); units > 0 {
			var err error
			p, err = l.close(ctx, now, p, units, st.Name, st.Weight, &snap)
			if err != nil {
				l.log.Warn("stage close failed", zap.String("id", p.ID), zap.String("stage", st.Name), zap.Error(err))
				break
			}
		}
		p.Stages = append(p.Stages, st.Name)
		changed = true

		if p.RemainingUnits == 0 {
			l.finish(p, st.Name, now)
			return
		}
		if err := p.transition(st.State); err != nil {
			l.log.Error("stage transition rejected", zap.Error(err))
			break
		}
		l.publish(notify.TradeScaled, p, fmt.Sprintf("%s reached at %.2fR, %d units left", st.Name, r, p.RemainingUnits), now)
	}
	if changed {
		l.put(p)
	}
}

// close sends one partial or full close and records its outcome. The returned position has
// its remaining units reduced; on error it is unchanged.
func (l *Ledger) close(ctx context.Context, now time.Time, p Position, units int64, stage string, weight float64, snap *models.Snapshot) (Position, error) {
	res, err := l.gw.ClosePartial(ctx, l.account, p.BrokerID, units)
	if err != nil {
		return p, err
	}
	filled := res.FilledUnits
	if filled <= 0 || filled > p.RemainingUnits {
		filled = min(units, p.RemainingUnits)
	}
	price := res.FilledPrice
	if price <= 0 && snap != nil {
		price = snap.ExitPrice(p.Direction)
	}
	p.RemainingUnits -= filled
	l.put(p)

	r := p.RAt(price)
	l.emit(OutcomeEvent{
		Lane: l.lane, Instrument: p.Instrument, PositionID: p.ID, Stage: stage,
		Weight: weight, R: r, Units: filled, Duration: now.Sub(p.OpenedAt), At: now,
	})
	metrics.ScaleEvent(stage)
	l.log.Info("position reduced",
		zap.String("id", p.ID),
		zap.String("stage", stage),
		zap.Int64("units", filled),
		zap.Int64("remaining", p.RemainingUnits),
		zap.Float64("r", r))
	return p, nil
}

func (l *Ledger) finish(p Position, reason string, now time.Time) {
	if err := p.transition(Closed); err != nil {
		l.log.Error("close transition rejected", zap.Error(err))
		p.State = Closed
	}
	p.ClosedAt, p.CloseReason = now, reason
	l.retire(p)
	if l.hooks.Closed != nil {
		l.hooks.Closed(p)
	}
	l.publish(notify.TradeClosed, p, fmt.Sprintf("closed (%s) after %s", reason, now.Sub(p.OpenedAt).Round(time.Second)), now)
}
