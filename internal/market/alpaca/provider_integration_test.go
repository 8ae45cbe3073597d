//go:build integration

package alpaca

import (
	"context"
	"os"
	"testing"
	"time"

	"lane_trading/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itAccount = "integration"

func newTestProvider(t *testing.T) *Provider {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	url := os.Getenv("TEST_APCA_API_BASE_URL")
	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}
	if url == "" {
		url = "https://paper-api.alpaca.markets"
	}
	return NewProvider(
		marketdata.ClientOpts{APIKey: key, APISecret: secret},
		map[string]alpaca.ClientOpts{itAccount: {APIKey: key, APISecret: secret, BaseURL: url}},
	)
}

func TestIntegration_BracketLifecycle(t *testing.T) {
	p := newTestProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	const symbol = "AAPL"

	acct, err := p.GetAccountSummary(ctx, itAccount)
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsPositive())

	snap, err := p.GetSnapshot(ctx, symbol)
	require.NoError(t, err)
	require.Greater(t, snap.Ask, 0.0)

	res, err := p.PlaceOrder(ctx, models.OrderRequest{
		AccountID:  itAccount,
		Instrument: symbol,
		Direction:  models.Long,
		Units:      1,
		StopLoss:   roundCents(snap.Ask * 0.90),
		TakeProfit: roundCents(snap.Ask * 1.10),
	})
	require.NoError(t, err)
	t.Logf("placed order %s status %s", res.OrderID, res.Status)

	if res.Status != models.OrderFilled {
		// Market closed: leave nothing behind.
		assert.NoError(t, p.CancelOrder(ctx, itAccount, res.OrderID))
		t.Skip("order not filled, market likely closed")
	}

	positions, err := p.ListOpenPositions(ctx, itAccount)
	require.NoError(t, err)
	var held *models.BrokerPosition
	for i := range positions {
		if positions[i].ID == symbol {
			held = &positions[i]
		}
	}
	require.NotNil(t, held)
	assert.True(t, held.Protected(), "bracket legs attached")

	closed, err := p.ClosePartial(ctx, itAccount, symbol, held.Units)
	require.NoError(t, err)
	assert.Equal(t, symbol, closed.PositionID)
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
