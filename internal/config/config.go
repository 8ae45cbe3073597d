// Package config loads process settings from the environment (.env supported) and lane records
// from the lanes file. Everything is validated once at startup.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
)

// Settings are the process-wide knobs. Lane records live in the lanes file.
type Settings struct {
	LanesFile string

	TickInterval    time.Duration
	TickTimeout     time.Duration
	CallTimeout     time.Duration
	CallRetries     int
	StrategyTimeout time.Duration

	GlobalMaxPositions     int
	GlobalDailyRiskCeiling float64
	BrokerCallsPerSec      float64
	BrokerCallBurst        int

	SnapshotMaxAge         time.Duration
	MaxHold                time.Duration
	BracketGrace           time.Duration
	PendingTimeout         time.Duration
	MinProfitFloor         float64
	DiversificationReserve int

	AdaptiveInterval   time.Duration
	AdaptiveWindow     time.Duration
	AdaptiveParamsFile string
	LedgerDir          string

	EventLead           time.Duration
	EventCooldown       time.Duration
	SentimentWindow     time.Duration
	SentimentMinSamples int
	SentimentHalt       float64
	SentimentThrottle   float64
	SentimentHold       time.Duration

	Broker       string // paper | alpaca
	PaperBalance float64
	StreamQuotes bool
	DatabaseURL  string
	MetricsAddr  string

	LogLevel      string
	LogFile       string
	MaxLogSizeMB  int64
	MaxLogBackups int

	PyroscopeServer string

	TelegramToken      string
	TelegramChatID     string
	TelegramAlertsOnly bool

	// Warnings collects malformed values that fell back to defaults.
	Warnings []string
}

var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"DATABASE_URL":        true,
}

// Load reads .env (if present) into the process environment and builds Settings.
func Load() Settings {
	e := &env{}
	if err := godotenv.Load(); err != nil {
		e.warn("no .env file found, using system environment variables")
	}

	s := Settings{
		LanesFile: e.get("LANES_FILE", "lanes.json"),

		TickInterval:    e.seconds("TICK_INTERVAL_SEC", 60),
		TickTimeout:     e.seconds("TICK_TIMEOUT_SEC", 45),
		CallTimeout:     e.seconds("CALL_TIMEOUT_SEC", 10),
		CallRetries:     e.int("CALL_RETRIES", 3),
		StrategyTimeout: time.Duration(e.int("STRATEGY_TIMEOUT_MS", 2000)) * time.Millisecond,

		GlobalMaxPositions:     e.int("GLOBAL_MAX_POSITIONS", 20),
		GlobalDailyRiskCeiling: e.float64("GLOBAL_DAILY_RISK_CEILING", 0),
		BrokerCallsPerSec:      e.float64("BROKER_CALLS_PER_SEC", 20),
		BrokerCallBurst:        e.int("BROKER_CALL_BURST", 40),

		SnapshotMaxAge:         e.seconds("SNAPSHOT_MAX_AGE_SEC", 30),
		MaxHold:                time.Duration(e.int("MAX_HOLD_MIN", 480)) * time.Minute,
		BracketGrace:           e.seconds("BRACKET_GRACE_SEC", 30),
		PendingTimeout:         e.seconds("PENDING_TIMEOUT_SEC", 120),
		MinProfitFloor:         e.float64("MIN_PROFIT_FLOOR", 5),
		DiversificationReserve: e.int("DIVERSIFICATION_RESERVE", 1),

		AdaptiveInterval:   time.Duration(e.int("ADAPTIVE_INTERVAL_MIN", 30)) * time.Minute,
		AdaptiveWindow:     time.Duration(e.int("ADAPTIVE_WINDOW_HOURS", 6)) * time.Hour,
		AdaptiveParamsFile: e.get("ADAPTIVE_PARAMS_FILE", "adaptive_params.json"),
		LedgerDir:          e.get("LEDGER_DIR", "ledger"),

		EventLead:           time.Duration(e.int("EVENT_LEAD_MIN", 30)) * time.Minute,
		EventCooldown:       time.Duration(e.int("EVENT_COOLDOWN_MIN", 15)) * time.Minute,
		SentimentWindow:     time.Duration(e.int("SENTIMENT_WINDOW_MIN", 60)) * time.Minute,
		SentimentMinSamples: e.int("SENTIMENT_MIN_SAMPLES", 5),
		SentimentHalt:       e.float64("SENTIMENT_HALT_SCORE", -0.6),
		SentimentThrottle:   e.float64("SENTIMENT_THROTTLE_SCORE", -0.3),
		SentimentHold:       time.Duration(e.int("SENTIMENT_HOLD_MIN", 60)) * time.Minute,

		Broker:       e.get("BROKER", "paper"),
		PaperBalance: e.float64("PAPER_BALANCE", 100000),
		StreamQuotes: e.bool("STREAM_QUOTES", false),
		DatabaseURL:  e.get("DATABASE_URL", ""),
		MetricsAddr:  e.get("METRICS_ADDR", ":9090"),

		LogLevel:      e.get("LOG_LEVEL", "INFO"),
		LogFile:       e.get("LOG_FILE", "lane_trader.log"),
		MaxLogSizeMB:  int64(e.int("MAX_LOG_SIZE_MB", 10)),
		MaxLogBackups: e.int("MAX_LOG_BACKUPS", 3),

		PyroscopeServer: e.get("PYROSCOPE_SERVER_ADDRESS", ""),

		TelegramToken:      e.get("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     e.get("TELEGRAM_CHAT_ID", ""),
		TelegramAlertsOnly: e.bool("TELEGRAM_ALERTS_ONLY", true),
	}
	s.Warnings = e.warnings
	return s
}

// Validate checks the process settings that have hard requirements.
func (s Settings) Validate() error {
	switch {
	case s.TickInterval <= 0:
		return fmt.Errorf("TICK_INTERVAL_SEC must be > 0")
	case s.TickTimeout <= 0 || s.TickTimeout > s.TickInterval:
		return fmt.Errorf("TICK_TIMEOUT_SEC must be in (0, TICK_INTERVAL_SEC]")
	case s.CallTimeout <= 0:
		return fmt.Errorf("CALL_TIMEOUT_SEC must be > 0")
	case s.CallRetries < 1:
		return fmt.Errorf("CALL_RETRIES must be >= 1")
	case s.BrokerCallsPerSec <= 0 || s.BrokerCallBurst < 1:
		return fmt.Errorf("BROKER_CALLS_PER_SEC and BROKER_CALL_BURST must be positive")
	case s.Broker != "paper" && s.Broker != "alpaca":
		return fmt.Errorf("BROKER must be paper or alpaca, got %q", s.Broker)
	}
	return nil
}

// AlpacaCredentials resolves the API credentials for a lane. A prefix such as "LANE1_" selects
// LANE1_APCA_API_KEY_ID etc.; missing prefixed values fall back to the unprefixed ones.
func AlpacaCredentials(prefix string) (key, secret, baseURL string) {
	lookup := func(name string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + name); v != "" {
				return v
			}
		}
		return os.Getenv(name)
	}
	return lookup("APCA_API_KEY_ID"), lookup("APCA_API_SECRET_KEY"), lookup("APCA_API_BASE_URL")
}

// EnvFile lists the variables defined in .env with secrets masked, sorted by name.
func EnvFile() []string {
	envMap, err := godotenv.Read()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(envMap))
	for key, val := range envMap {
		if isSecret(key) {
			masked := "***"
			if len(val) > 4 {
				masked = "***" + val[len(val)-4:]
			}
			val = masked
		}
		out = append(out, key+"="+val)
	}
	sort.Strings(out)
	return out
}

func isSecret(key string) bool {
	for name := range secretVars {
		if key == name || (len(key) > len(name) && key[len(key)-len(name):] == name) {
			return true
		}
	}
	return false
}
