// Package paper provides an in-memory execution gateway and market feed.
//
// The broker simulates execution at the latest feed price. It is used for dry runs and
// for tests; orders never leave the process. Failure injection hooks let tests exercise
// the lane's retry, degraded and bracket-repair paths.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAccount  = fmt.Errorf("paper: unknown account: %w", market.ErrRejected)
	ErrUnknownPosition = fmt.Errorf("paper: unknown position: %w", market.ErrRejected)
	ErrUnknownOrder    = fmt.Errorf("paper: unknown order: %w", market.ErrRejected)
	errSimulated       = errors.New("paper: simulated broker failure")
)

type account struct {
	balance   decimal.Decimal
	positions map[string]*models.BrokerPosition
	orders    map[string]*pendingOrder
}

type pendingOrder struct {
	req    models.OrderRequest
	result models.OrderResult
}

// Broker keeps per-account balances and positions and fills at the feed price.
type Broker struct {
	mu       sync.Mutex
	feed     market.SnapshotProvider
	accounts map[string]*account
	now      func() time.Time

	failCalls       int
	holdFills       bool
	dropBrackets    bool
	bracketFailures int
	placed          int
	closes          []CloseRecord
}

// CloseRecord captures one ClosePartial call for assertions.
type CloseRecord struct {
	AccountID  string
	PositionID string
	Units      int64
	Price      float64
}

var _ market.Gateway = (*Broker)(nil)

func NewBroker(feed market.SnapshotProvider) *Broker {
	return &Broker{
		feed:     feed,
		accounts: make(map[string]*account),
		now:      time.Now,
	}
}

// WithClock overrides the broker's time source.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// OpenAccount registers an account with a starting balance.
func (b *Broker) OpenAccount(accountID string, balance decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[accountID] = &account{
		balance:   balance,
		positions: make(map[string]*models.BrokerPosition),
		orders:    make(map[string]*pendingOrder),
	}
}

// FailNext makes the next n gateway calls fail with a transient error.
func (b *Broker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCalls = n
}

// HoldFills leaves new orders pending until FillPending is called.
func (b *Broker) HoldFills(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdFills = hold
}

// DropBrackets fills orders without attaching stop/target legs.
func (b *Broker) DropBrackets(drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropBrackets = drop
}

// FailBracketRepairs makes the next n AttachBracket calls fail.
func (b *Broker) FailBracketRepairs(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bracketFailures = n
}

// OrdersPlaced returns how many entry orders were accepted.
func (b *Broker) OrdersPlaced() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed
}

// Closes returns every ClosePartial call in order.
func (b *Broker) Closes() []CloseRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CloseRecord(nil), b.closes...)
}

// RemovePosition simulates a server-side exit (stop or target hit).
func (b *Broker) RemovePosition(accountID, positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acct, ok := b.accounts[accountID]; ok {
		delete(acct.positions, positionID)
	}
}

// InjectPosition adds a broker position the core never opened.
func (b *Broker) InjectPosition(accountID string, p models.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acct, ok := b.accounts[accountID]; ok {
		cp := p
		acct.positions[p.ID] = &cp
	}
}

func (b *Broker) transientLocked() error {
	if b.failCalls > 0 {
		b.failCalls--
		return errSimulated
	}
	return nil
}

func (b *Broker) accountLocked(accountID string) (*account, error) {
	acct, ok := b.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return acct, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if req.Units <= 0 {
		return nil, fmt.Errorf("paper: units must be > 0: %w", market.ErrRejected)
	}
	snap, err := b.feed.GetSnapshot(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transientLocked(); err != nil {
		return nil, err
	}
	acct, err := b.accountLocked(req.AccountID)
	if err != nil {
		return nil, err
	}

	po := &pendingOrder{
		req: req,
		result: models.OrderResult{
			OrderID: uuid.New().String(),
			Status:  models.OrderPending,
		},
	}
	acct.orders[po.result.OrderID] = po
	b.placed++
	if !b.holdFills {
		b.fillLocked(acct, po, snap.EntryPrice(req.Direction))
	}
	res := po.result
	return &res, nil
}

func (b *Broker) fillLocked(acct *account, po *pendingOrder, price float64) {
	now := b.now()
	pos := &models.BrokerPosition{
		ID:            uuid.New().String(),
		Instrument:    po.req.Instrument,
		Direction:     po.req.Direction,
		Units:         po.req.Units,
		EntryPrice:    price,
		StopLoss:      po.req.StopLoss,
		TakeProfit:    po.req.TakeProfit,
		HasStopLoss:   !b.dropBrackets && po.req.StopLoss > 0,
		HasTakeProfit: !b.dropBrackets && po.req.TakeProfit > 0,
		OpenedAt:      now,
	}
	acct.positions[pos.ID] = pos
	po.result.Status = models.OrderFilled
	po.result.PositionID = pos.ID
	po.result.FilledPrice = price
	po.result.FilledUnits = po.req.Units
	po.result.FilledAt = now
}

// FillPending fills every held order at the current feed price.
func (b *Broker) FillPending(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acct := range b.accounts {
		for _, po := range acct.orders {
			if po.result.Status != models.OrderPending {
				continue
			}
			snap, err := b.feed.GetSnapshot(ctx, po.req.Instrument)
			if err != nil {
				return err
			}
			b.fillLocked(acct, po, snap.EntryPrice(po.req.Direction))
		}
	}
	return nil
}

func (b *Broker) GetOrder(ctx context.Context, accountID, orderID string) (*models.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transientLocked(); err != nil {
		return nil, err
	}
	acct, err := b.accountLocked(accountID)
	if err != nil {
		return nil, err
	}
	po, ok := acct.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	res := po.result
	return &res, nil
}

func (b *Broker) CancelOrder(ctx context.Context, accountID, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transientLocked(); err != nil {
		return err
	}
	acct, err := b.accountLocked(accountID)
	if err != nil {
		return err
	}
	po, ok := acct.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if po.result.Status == models.OrderPending {
		po.result.Status = models.OrderCanceled
	}
	return nil
}

func (b *Broker) ClosePartial(ctx context.Context, accountID, positionID string, units int64) (*models.OrderResult, error) {
	b.mu.Lock()
	acct, err := b.accountLocked(accountID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := b.transientLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	pos, ok := acct.positions[positionID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	instrument, direction := pos.Instrument, pos.Direction
	b.mu.Unlock()

	snap, err := b.feed.GetSnapshot(ctx, instrument)
	if err != nil {
		return nil, err
	}
	price := snap.ExitPrice(direction)

	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok = acct.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	if units > pos.Units {
		units = pos.Units
	}
	pnl := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromInt(units)).
		Mul(decimal.NewFromFloat(pos.Direction.Sign()))
	acct.balance = acct.balance.Add(pnl)
	pos.Units -= units
	if pos.Units == 0 {
		delete(acct.positions, positionID)
	}
	b.closes = append(b.closes, CloseRecord{AccountID: accountID, PositionID: positionID, Units: units, Price: price})
	return &models.OrderResult{
		OrderID:     uuid.New().String(),
		PositionID:  positionID,
		Status:      models.OrderFilled,
		FilledPrice: price,
		FilledUnits: units,
		FilledAt:    b.now(),
	}, nil
}

func (b *Broker) ListOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transientLocked(); err != nil {
		return nil, err
	}
	acct, err := b.accountLocked(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]models.BrokerPosition, 0, len(acct.positions))
	for _, p := range acct.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (b *Broker) GetAccountSummary(ctx context.Context, accountID string) (*models.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transientLocked(); err != nil {
		return nil, err
	}
	acct, err := b.accountLocked(accountID)
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:         accountID,
		Currency:   "USD",
		Balance:    acct.balance,
		MarginUsed: decimal.Zero,
	}, nil
}

func (b *Broker) AttachBracket(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transientLocked(); err != nil {
		return err
	}
	acct, err := b.accountLocked(accountID)
	if err != nil {
		return err
	}
	pos, ok := acct.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	if b.bracketFailures > 0 {
		b.bracketFailures--
		return fmt.Errorf("paper: bracket for %s: %w", positionID, market.ErrRejected)
	}
	pos.StopLoss, pos.TakeProfit = stopLoss, takeProfit
	pos.HasStopLoss, pos.HasTakeProfit = stopLoss > 0, takeProfit > 0
	return nil
}
