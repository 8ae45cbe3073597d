package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"lane_trading/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionDSN(t *testing.T) {
	dsn, err := Option{}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", dsn)

	dsn, err = Option{
		Host:     "db",
		Port:     6543,
		User:     "trader",
		Password: "p@ss",
		Database: "lanes",
		SSLMode:  "require",
		Params:   map[string]string{"application_name": "lane_trader", "": "skip"},
	}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://trader:p%40ss@db:6543/lanes?application_name=lane_trader&sslmode=require", dsn)

	dsn, err = Option{ConnString: "postgres://x"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)
}

func TestRecordConversion(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	ev := ledger.OutcomeEvent{
		Lane: "acct-1", Instrument: "EUR_USD", PositionID: "p1", Stage: "1.0R",
		Weight: 0.5, R: 1.02, Units: 225000, Duration: 90 * time.Minute, At: at,
	}
	assert.Equal(t, ev, toRecord(ev).event())
}

func TestJournal_BatchesAndFlushesOnClose(t *testing.T) {
	var mu sync.Mutex
	var written []OutcomeRecord
	j := newJournal(8, nil)
	j.write = func(_ context.Context, recs []OutcomeRecord) error {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, recs...)
		return nil
	}
	go j.run()

	for i := 0; i < 5; i++ {
		j.RecordOutcome(ledger.OutcomeEvent{Instrument: "EUR_USD", Stage: "0.8R", Weight: 0.25})
	}
	require.NoError(t, j.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, written, 5)
	assert.Zero(t, j.Dropped())
}

func TestJournal_DropsWhenFull(t *testing.T) {
	j := newJournal(2, nil)
	for i := 0; i < 5; i++ {
		j.RecordOutcome(ledger.OutcomeEvent{Instrument: "EUR_USD"})
	}
	assert.Equal(t, 3, j.Dropped())
}
