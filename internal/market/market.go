package market

import (
	"context"
	"errors"

	"lane_trading/internal/models"
)

// ErrRejected marks a permanent refusal (bad request, unknown order, insufficient funds).
// Callers do not retry it and it does not count against a lane's health.
var ErrRejected = errors.New("rejected by broker")

// SnapshotProvider supplies current quotes and historical bars.
// Implementations must honor ctx cancellation; callers bound every call with a timeout.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, instrument string) (models.Snapshot, error)
	GetBars(ctx context.Context, instrument string, granularity models.Granularity, count int) ([]models.Bar, error)
}

// Gateway is the broker execution surface the lanes trade through.
// Swapping Alpaca for the paper broker (or a mock in tests) does not change the callers.
type Gateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	GetOrder(ctx context.Context, accountID, orderID string) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	ClosePartial(ctx context.Context, accountID, positionID string, units int64) (*models.OrderResult, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error)
	GetAccountSummary(ctx context.Context, accountID string) (*models.Account, error)
	AttachBracket(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) error
}

// SafetySource feeds the safety guards with calendar and sentiment signals.
type SafetySource interface {
	UpcomingHighImpactEvents(ctx context.Context, withinMinutes int) ([]models.EconomicEvent, error)
	SentimentScore(ctx context.Context, windowMinutes int) (models.Sentiment, error)
}
