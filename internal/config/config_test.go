package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lane_trading/internal/models"
	"lane_trading/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"TICK_INTERVAL_SEC", "GLOBAL_MAX_POSITIONS", "BROKER", "SENTIMENT_HALT_SCORE", "TELEGRAM_ALERTS_ONLY"} {
		t.Setenv(k, "")
	}

	s := Load()
	assert.Equal(t, 60*time.Second, s.TickInterval)
	assert.Equal(t, 20, s.GlobalMaxPositions)
	assert.Equal(t, "paper", s.Broker)
	assert.Equal(t, -0.6, s.SentimentHalt)
	assert.Equal(t, 8*time.Hour, s.MaxHold)
	assert.True(t, s.TelegramAlertsOnly)
	assert.NoError(t, s.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL_SEC", "15")
	t.Setenv("TICK_TIMEOUT_SEC", "10")
	t.Setenv("BROKER", "alpaca")
	t.Setenv("STRATEGY_TIMEOUT_MS", "500")
	t.Setenv("TELEGRAM_ALERTS_ONLY", "false")
	t.Setenv("STREAM_QUOTES", "true")

	s := Load()
	assert.Equal(t, 15*time.Second, s.TickInterval)
	assert.Equal(t, 500*time.Millisecond, s.StrategyTimeout)
	assert.Equal(t, "alpaca", s.Broker)
	assert.False(t, s.TelegramAlertsOnly)
	assert.True(t, s.StreamQuotes)
	assert.NoError(t, s.Validate())
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	t.Setenv("MIN_PROFIT_FLOOR", "not-a-number")
	t.Setenv("CALL_RETRIES", "3x")

	s := Load()
	assert.Equal(t, 5.0, s.MinProfitFloor)
	assert.Equal(t, 3, s.CallRetries)

	var hits int
	for _, w := range s.Warnings {
		if strings.Contains(w, "MIN_PROFIT_FLOOR") || strings.Contains(w, "CALL_RETRIES") {
			hits++
		}
	}
	assert.Equal(t, 2, hits)
}

func TestSettings_Validate(t *testing.T) {
	base := func() Settings {
		t.Setenv("BROKER", "")
		return Load()
	}

	s := base()
	s.Broker = "ib"
	assert.Error(t, s.Validate())

	s = base()
	s.TickTimeout = s.TickInterval + time.Second
	assert.Error(t, s.Validate())

	s = base()
	s.CallRetries = 0
	assert.Error(t, s.Validate())
}

func TestAlpacaCredentials_PrefixFallback(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "shared_key")
	t.Setenv("APCA_API_SECRET_KEY", "shared_secret")
	t.Setenv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets")
	t.Setenv("LANE2_APCA_API_KEY_ID", "lane2_key")

	key, secret, url := AlpacaCredentials("LANE2_")
	assert.Equal(t, "lane2_key", key)
	assert.Equal(t, "shared_secret", secret)
	assert.Equal(t, "https://paper-api.alpaca.markets", url)

	key, _, _ = AlpacaCredentials("")
	assert.Equal(t, "shared_key", key)
}

func TestIsSecret(t *testing.T) {
	assert.True(t, isSecret("APCA_API_SECRET_KEY"))
	assert.True(t, isSecret("LANE2_APCA_API_KEY_ID"))
	assert.True(t, isSecret("DATABASE_URL"))
	assert.False(t, isSecret("LOG_LEVEL"))
}

func validLanes() Lanes {
	return Lanes{
		Instruments: map[string]models.InstrumentLimits{
			"EUR_USD": {MaxSpread: 0.0003, MaxUnits: 1_000_000},
			"GBP_USD": {MaxSpread: 0.0004, MaxUnits: 1_000_000},
		},
		Lanes: []models.LaneConfig{
			{
				AccountID:   "acct-1",
				Strategy:    strategy.KeyBandBreakout,
				Instruments: []string{"EUR_USD", "GBP_USD"},
				Enabled:     true,
				Risk: models.RiskSettings{
					RiskFraction: 0.012, DailyTradeCap: 10, MaxPositions: 3, PerInstrumentCap: 2,
				},
			},
			{
				AccountID:   "acct-2",
				Strategy:    strategy.KeyOpeningRange,
				Instruments: []string{"EUR_USD"},
				Risk: models.RiskSettings{
					RiskFraction: 0.01, DailyTradeCap: 5, MaxPositions: 2, PerInstrumentCap: 1, SizeMultiplier: 0.5,
				},
			},
		},
	}
}

func TestLanes_Validate(t *testing.T) {
	reg := strategy.DefaultRegistry()
	require.NoError(t, validLanes().Validate(reg))

	tests := []struct {
		name    string
		mutate  func(l *Lanes)
		wantErr error
	}{
		{"unknown strategy", func(l *Lanes) { l.Lanes[0].Strategy = "martingale" }, strategy.ErrUnknownStrategy},
		{"empty instruments", func(l *Lanes) { l.Lanes[1].Instruments = nil }, ErrInvalidLane},
		{"instrument without limits", func(l *Lanes) { l.Lanes[1].Instruments = []string{"USD_JPY"} }, ErrInvalidLane},
		{"risk fraction too large", func(l *Lanes) { l.Lanes[0].Risk.RiskFraction = 0.06 }, ErrInvalidLane},
		{"risk fraction zero", func(l *Lanes) { l.Lanes[0].Risk.RiskFraction = 0 }, ErrInvalidLane},
		{"multiplier above one", func(l *Lanes) { l.Lanes[1].Risk.SizeMultiplier = 1.5 }, ErrInvalidLane},
		{"zero trade cap", func(l *Lanes) { l.Lanes[0].Risk.DailyTradeCap = 0 }, ErrInvalidLane},
		{"instrument cap above lane cap", func(l *Lanes) { l.Lanes[0].Risk.PerInstrumentCap = 4 }, ErrInvalidLane},
		{"duplicate account", func(l *Lanes) { l.Lanes[1].AccountID = "acct-1" }, ErrInvalidLane},
		{"bad limits", func(l *Lanes) { l.Instruments["GBP_USD"] = models.InstrumentLimits{MaxSpread: 0.0004} }, ErrInvalidLane},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := validLanes()
			tt.mutate(&l)
			err := l.Validate(reg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestLanes_ValidateReportsEveryProblem(t *testing.T) {
	l := validLanes()
	l.Lanes[0].Strategy = "martingale"
	l.Lanes[1].Risk.RiskFraction = 0.2

	err := l.Validate(strategy.DefaultRegistry())
	require.Error(t, err)
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
	assert.ErrorIs(t, err, ErrInvalidLane)
}

func TestLanes_ValidateBroker(t *testing.T) {
	l := validLanes()
	assert.NoError(t, l.ValidateBroker("paper"))

	err := l.ValidateBroker("alpaca")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidLane)
	assert.Contains(t, err.Error(), "per_instrument_cap")
	assert.Contains(t, err.Error(), "share credentials")

	l.Lanes[0].Risk.PerInstrumentCap = 1
	l.Lanes[1].CredentialPrefix = "LANE2_"
	assert.NoError(t, l.ValidateBroker("alpaca"))
}

func TestLoadLanes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanes.json")
	doc := `{
  "instruments": {"EUR_USD": {"max_spread": 0.0003, "max_units": 500000}},
  "lanes": [
    {"account_id": "acct-1", "strategy": "band_breakout", "instruments": ["EUR_USD"], "enabled": true,
     "risk": {"risk_fraction": 0.012, "daily_trade_cap": 10, "max_positions": 3, "per_instrument_cap": 1}},
    {"account_id": "acct-2", "strategy": "opening_range", "instruments": ["EUR_USD"], "enabled": false,
     "risk": {"risk_fraction": 0.01, "daily_trade_cap": 4, "max_positions": 1, "per_instrument_cap": 1}}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	l, err := LoadLanes(path)
	require.NoError(t, err)
	require.NoError(t, l.Validate(strategy.DefaultRegistry()))
	assert.Equal(t, int64(500000), l.Instruments["EUR_USD"].MaxUnits)

	enabled := l.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "acct-1", enabled[0].AccountID)

	_, err = LoadLanes(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
