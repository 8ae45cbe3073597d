package alpaca

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lane_trading/internal/market"
	"lane_trading/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"go.uber.org/zap"
)

// QuoteStream keeps the latest streamed quote per symbol and serves snapshots from it, so
// ticks do not spend the REST budget on quotes. Symbols without a recent streamed quote,
// and all bar requests, go to the fallback provider.
type QuoteStream struct {
	key, secret string
	feed        marketdata.Feed
	symbols     []string
	fallback    market.SnapshotProvider
	staleAfter  time.Duration
	log         *zap.Logger

	mu     sync.RWMutex
	quotes map[string]models.Snapshot
}

var _ market.SnapshotProvider = (*QuoteStream)(nil)

func NewQuoteStream(key, secret string, symbols []string, fallback market.SnapshotProvider, staleAfter time.Duration, log *zap.Logger) *QuoteStream {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuoteStream{
		key:        key,
		secret:     secret,
		feed:       marketdata.IEX,
		symbols:    symbols,
		fallback:   fallback,
		staleAfter: staleAfter,
		log:        log.Named("quote_stream"),
		quotes:     make(map[string]models.Snapshot),
	}
}

func (q *QuoteStream) onQuote(sq stream.Quote) {
	if sq.BidPrice <= 0 || sq.AskPrice <= 0 {
		return
	}
	s := models.NewSnapshot(sq.Symbol, sq.BidPrice, sq.AskPrice, sq.Timestamp)
	q.mu.Lock()
	defer q.mu.Unlock()
	if prev, ok := q.quotes[sq.Symbol]; ok && prev.ObservedAt.After(s.ObservedAt) {
		return
	}
	q.quotes[sq.Symbol] = s
}

func (q *QuoteStream) GetSnapshot(ctx context.Context, instrument string) (models.Snapshot, error) {
	q.mu.RLock()
	s, ok := q.quotes[instrument]
	q.mu.RUnlock()
	if ok && (q.fallback == nil || s.Fresh(time.Now(), q.staleAfter)) {
		return s, nil
	}
	if q.fallback == nil {
		return models.Snapshot{}, fmt.Errorf("no streamed quote for %s", instrument)
	}
	return q.fallback.GetSnapshot(ctx, instrument)
}

func (q *QuoteStream) GetBars(ctx context.Context, instrument string, granularity models.Granularity, count int) ([]models.Bar, error) {
	return q.fallback.GetBars(ctx, instrument, granularity, count)
}

// Run keeps a stream connected until ctx ends. The SDK retries a dropped connection a few
// times; when it gives up, Run starts a new client after a growing pause.
func (q *QuoteStream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for ctx.Err() == nil {
		client := stream.NewStocksClient(q.feed,
			stream.WithCredentials(q.key, q.secret),
			stream.WithReconnectSettings(10, 500*time.Millisecond),
			stream.WithQuotes(q.onQuote, q.symbols...),
		)
		q.log.Info("connecting", zap.Strings("symbols", q.symbols))
		err := client.Connect(ctx)
		if err == nil {
			backoff = time.Second
			select {
			case <-ctx.Done():
				return
			case err = <-client.Terminated():
			}
		}
		if ctx.Err() != nil {
			return
		}
		q.log.Warn("quote stream lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
