package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Provider implements SnapshotProvider and Gateway for Alpaca.
// Alpaca nets positions per symbol, so a position id is the symbol itself.
type Provider struct {
	mdClient *marketdata.Client

	mu       sync.RWMutex
	accounts map[string]*alpaca.Client

	fillPolls        int
	fillPollInterval time.Duration
}

// Ensure Provider implements the interfaces
var (
	_ market.SnapshotProvider = (*Provider)(nil)
	_ market.Gateway          = (*Provider)(nil)
)

// NewProvider returns a provider with one trading client per account id.
// Empty ClientOpts fall back to the SDK's APCA_* environment variables.
func NewProvider(md marketdata.ClientOpts, accounts map[string]alpaca.ClientOpts) *Provider {
	p := &Provider{
		mdClient:         marketdata.NewClient(md),
		accounts:         make(map[string]*alpaca.Client, len(accounts)),
		fillPolls:        5,
		fillPollInterval: time.Second,
	}
	for id, opts := range accounts {
		p.accounts[id] = alpaca.NewClient(opts)
	}
	return p
}

func (p *Provider) client(accountID string) (*alpaca.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("alpaca: no client for account %s", accountID)
	}
	return c, nil
}

// call runs a blocking SDK call and gives up when ctx is done.
// The SDK has no context support, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, classify(r.err)
	}
}

// classify marks client errors other than throttling as permanent.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", market.ErrRejected, err)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// --- Market Data ---

func (p *Provider) GetSnapshot(ctx context.Context, instrument string) (models.Snapshot, error) {
	q, err := call(ctx, func() (*marketdata.Quote, error) {
		return p.mdClient.GetLatestQuote(instrument, marketdata.GetLatestQuoteRequest{})
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	if q == nil {
		return models.Snapshot{}, fmt.Errorf("no quote found for %s", instrument)
	}
	return models.NewSnapshot(instrument, q.BidPrice, q.AskPrice, q.Timestamp), nil
}

func (p *Provider) GetBars(ctx context.Context, instrument string, granularity models.Granularity, count int) ([]models.Bar, error) {
	tf, err := timeFrame(granularity)
	if err != nil {
		return nil, err
	}
	// Over-fetch to cover weekends and closed sessions, then trim.
	start := time.Now().Add(-time.Duration(count*4) * granularity.Duration())
	bars, err := call(ctx, func() ([]marketdata.Bar, error) {
		return p.mdClient.GetBars(instrument, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
		})
	})
	if err != nil {
		return nil, err
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}

	result := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		result = append(result, models.Bar{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: int64(b.Volume),
		})
	}
	return result, nil
}

func timeFrame(g models.Granularity) (marketdata.TimeFrame, error) {
	switch g {
	case models.M1:
		return marketdata.NewTimeFrame(1, marketdata.Min), nil
	case models.M5:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case models.M15:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case models.H1:
		return marketdata.NewTimeFrame(1, marketdata.Hour), nil
	case models.H4:
		return marketdata.NewTimeFrame(4, marketdata.Hour), nil
	case models.D1:
		return marketdata.NewTimeFrame(1, marketdata.Day), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported granularity %q", g)
	}
}

// --- Execution ---

func (p *Provider) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	c, err := p.client(req.AccountID)
	if err != nil {
		return nil, err
	}
	// A second entry would merge into the existing netted position and share its legs.
	_, err = call(ctx, func() (*alpaca.Position, error) { return c.GetPosition(req.Instrument) })
	switch {
	case err == nil:
		return nil, fmt.Errorf("alpaca: %s already held in account %s: %w", req.Instrument, req.AccountID, market.ErrRejected)
	case !isNotFound(err):
		return nil, err
	}

	qty := decimal.NewFromInt(req.Units)
	sl := decimal.NewFromFloat(req.StopLoss)
	tp := decimal.NewFromFloat(req.TakeProfit)

	o, err := call(ctx, func() (*alpaca.Order, error) {
		return c.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        req.Instrument,
			Qty:           &qty,
			Side:          entrySide(req.Direction),
			Type:          alpaca.Market,
			TimeInForce:   alpaca.GTC,
			ClientOrderID: req.ClientOrderID,
			OrderClass:    alpaca.Bracket,
			TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tp},
			StopLoss:      &alpaca.StopLoss{StopPrice: &sl},
		})
	})
	if err != nil {
		return nil, err
	}
	return p.awaitFill(ctx, c, o)
}

// awaitFill polls the order a few times so most market orders come back filled.
// Anything still open is returned as pending and confirmed on a later tick.
func (p *Provider) awaitFill(ctx context.Context, c *alpaca.Client, o *alpaca.Order) (*models.OrderResult, error) {
	res := mapOrder(o)
	for i := 0; i < p.fillPolls && res.Status == models.OrderPending; i++ {
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(p.fillPollInterval):
		}
		fetched, err := call(ctx, func() (*alpaca.Order, error) { return c.GetOrder(o.ID) })
		if err != nil {
			continue
		}
		res = mapOrder(fetched)
	}
	return res, nil
}

func (p *Provider) GetOrder(ctx context.Context, accountID, orderID string) (*models.OrderResult, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}
	o, err := call(ctx, func() (*alpaca.Order, error) { return c.GetOrder(orderID) })
	if err != nil {
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) CancelOrder(ctx context.Context, accountID, orderID string) error {
	c, err := p.client(accountID)
	if err != nil {
		return err
	}
	_, err = call(ctx, func() (struct{}, error) { return struct{}{}, c.CancelOrder(orderID) })
	return err
}

// ClosePartial clears the symbol's exit legs, closes units and re-protects the remainder.
// Alpaca reserves the position quantity for open legs, so they must go first.
func (p *Provider) ClosePartial(ctx context.Context, accountID, positionID string, units int64) (*models.OrderResult, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}
	legs, err := p.exitLegs(ctx, c, positionID)
	if err != nil {
		return nil, err
	}
	for _, o := range legs.orders {
		if err := p.CancelOrder(ctx, accountID, o.ID); err != nil {
			return nil, fmt.Errorf("cancel leg %s: %w", o.ID, err)
		}
	}

	o, err := call(ctx, func() (*alpaca.Order, error) {
		return c.ClosePosition(positionID, alpaca.ClosePositionRequest{Qty: decimal.NewFromInt(units)})
	})
	if err != nil {
		return nil, err
	}
	res, err := p.awaitFill(ctx, c, o)
	if err != nil {
		return nil, err
	}
	res.PositionID = positionID

	if legs.stop > 0 && legs.target > 0 {
		if err := p.AttachBracket(ctx, accountID, positionID, legs.stop, legs.target); err != nil {
			// The ledger's bracket verification repairs this on the next tick.
			return res, nil
		}
	}
	return res, nil
}

func (p *Provider) ListOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}
	positions, err := call(ctx, func() ([]alpaca.Position, error) { return c.GetPositions() })
	if err != nil {
		return nil, err
	}

	result := make([]models.BrokerPosition, 0, len(positions))
	for _, x := range positions {
		legs, err := p.exitLegs(ctx, c, x.Symbol)
		if err != nil {
			return nil, err
		}
		dir := models.Long
		if strings.EqualFold(x.Side, "short") {
			dir = models.Short
		}
		result = append(result, models.BrokerPosition{
			ID:            x.Symbol,
			Instrument:    x.Symbol,
			Direction:     dir,
			Units:         x.Qty.Abs().IntPart(),
			EntryPrice:    x.AvgEntryPrice.InexactFloat64(),
			StopLoss:      legs.stop,
			TakeProfit:    legs.target,
			HasStopLoss:   legs.stop > 0,
			HasTakeProfit: legs.target > 0,
		})
	}
	return result, nil
}

func (p *Provider) GetAccountSummary(ctx context.Context, accountID string) (*models.Account, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}
	a, err := call(ctx, func() (*alpaca.Account, error) { return c.GetAccount() })
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:         a.ID,
		Currency:   a.Currency,
		Balance:    a.Equity,
		MarginUsed: a.InitialMargin,
	}, nil
}

// AttachBracket replaces whatever exit legs exist with a fresh OCO pair for the full quantity.
func (p *Provider) AttachBracket(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) error {
	c, err := p.client(accountID)
	if err != nil {
		return err
	}
	pos, err := call(ctx, func() (*alpaca.Position, error) { return c.GetPosition(positionID) })
	if err != nil {
		return err
	}
	legs, err := p.exitLegs(ctx, c, positionID)
	if err != nil {
		return err
	}
	for _, o := range legs.orders {
		if err := p.CancelOrder(ctx, accountID, o.ID); err != nil {
			return fmt.Errorf("cancel leg %s: %w", o.ID, err)
		}
	}

	side := alpaca.Sell
	if strings.EqualFold(pos.Side, "short") {
		side = alpaca.Buy
	}
	qty := pos.Qty.Abs()
	sl := decimal.NewFromFloat(stopLoss)
	tp := decimal.NewFromFloat(takeProfit)
	_, err = call(ctx, func() (*alpaca.Order, error) {
		return c.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      positionID,
			Qty:         &qty,
			Side:        side,
			Type:        alpaca.Limit,
			TimeInForce: alpaca.GTC,
			OrderClass:  alpaca.OCO,
			TakeProfit:  &alpaca.TakeProfit{LimitPrice: &tp},
			StopLoss:    &alpaca.StopLoss{StopPrice: &sl},
		})
	})
	return err
}

// --- Helpers ---

type exitLegs struct {
	orders []alpaca.Order
	stop   float64
	target float64
}

// exitLegs collects the open stop and limit orders protecting symbol, including nested bracket legs.
func (p *Provider) exitLegs(ctx context.Context, c *alpaca.Client, symbol string) (exitLegs, error) {
	orders, err := call(ctx, func() ([]alpaca.Order, error) {
		return c.GetOrders(alpaca.GetOrdersRequest{
			Status:  "open",
			Limit:   100,
			Nested:  true,
			Symbols: []string{symbol},
		})
	})
	if err != nil {
		return exitLegs{}, err
	}
	return collectLegs(orders), nil
}

// collectLegs picks the open stop and take-profit orders out of a nested order listing.
// A bracket's parent entry is skipped; its legs and standalone OCO orders count.
func collectLegs(orders []alpaca.Order) exitLegs {
	var out exitLegs
	var visit func(o alpaca.Order, leg bool)
	visit = func(o alpaca.Order, leg bool) {
		entry := !leg && o.OrderClass == alpaca.Bracket
		if !entry && isOpen(o.Status) {
			switch o.Type {
			case alpaca.Stop, alpaca.StopLimit:
				if o.StopPrice != nil {
					out.stop = o.StopPrice.InexactFloat64()
					out.orders = append(out.orders, o)
				}
			case alpaca.Limit:
				if o.LimitPrice != nil {
					out.target = o.LimitPrice.InexactFloat64()
					out.orders = append(out.orders, o)
				}
			}
		}
		for _, l := range o.Legs {
			visit(l, true)
		}
	}
	for _, o := range orders {
		visit(o, false)
	}
	return out
}

func isOpen(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "canceled", "expired", "rejected", "replaced":
		return false
	default:
		return true
	}
}

func entrySide(d models.Direction) alpaca.Side {
	if d == models.Short {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func mapOrder(o *alpaca.Order) *models.OrderResult {
	if o == nil {
		return &models.OrderResult{Status: models.OrderPending}
	}

	res := &models.OrderResult{
		OrderID:     o.ID,
		PositionID:  o.Symbol,
		FilledUnits: o.FilledQty.IntPart(),
	}
	if o.FilledAvgPrice != nil {
		res.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil {
		res.FilledAt = *o.FilledAt
	}

	switch strings.ToLower(o.Status) {
	case "filled":
		res.Status = models.OrderFilled
	case "rejected", "expired":
		res.Status = models.OrderRejected
		res.Reason = o.Status
	case "canceled":
		res.Status = models.OrderCanceled
		res.Reason = o.Status
	default:
		res.Status = models.OrderPending
	}
	return res
}
