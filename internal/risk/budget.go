package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrGlobalCapacity means the global open-position cap is reached.
	ErrGlobalCapacity = errors.New("global position cap reached")
	// ErrGlobalRiskCeiling means the reservation would exceed the global daily risk ceiling.
	ErrGlobalRiskCeiling = errors.New("global daily risk ceiling reached")
)

// dayKey is the UTC calendar day a timestamp belongs to.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GlobalBudget is shared by every lane. All methods are linearizable.
type GlobalBudget struct {
	mu           sync.Mutex
	maxPositions int
	riskCeiling  decimal.Decimal // zero disables
	open         int
	day          string
	riskToday    decimal.Decimal
}

func NewGlobalBudget(maxPositions int, dailyRiskCeiling decimal.Decimal) *GlobalBudget {
	return &GlobalBudget{maxPositions: maxPositions, riskCeiling: dailyRiskCeiling}
}

func (g *GlobalBudget) rolloverLocked(now time.Time) {
	if d := dayKey(now); d != g.day {
		g.day = d
		g.riskToday = decimal.Zero
	}
}

// Reserve claims one position slot and adds risk to today's total, or fails without side effects.
func (g *GlobalBudget) Reserve(now time.Time, risk decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	if g.maxPositions > 0 && g.open >= g.maxPositions {
		return ErrGlobalCapacity
	}
	if g.riskCeiling.IsPositive() && g.riskToday.Add(risk).GreaterThan(g.riskCeiling) {
		return ErrGlobalRiskCeiling
	}
	g.open++
	g.riskToday = g.riskToday.Add(risk)
	return nil
}

// Cancel undoes a Reserve whose order never filled.
func (g *GlobalBudget) Cancel(now time.Time, risk decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open > 0 {
		g.open--
	}
	if dayKey(now) == g.day {
		g.riskToday = decimal.Max(decimal.Zero, g.riskToday.Sub(risk))
	}
}

// Release frees the slot of a closed position. Committed risk stays spent for the day.
func (g *GlobalBudget) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open > 0 {
		g.open--
	}
}

// Track counts a position the engine did not admit itself (restored or adopted), ignoring the cap.
func (g *GlobalBudget) Track() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open++
}

// Resume adds risk a lane committed earlier on day, before a restart. It is a no-op when day
// is not today. Call it once per lane at startup.
func (g *GlobalBudget) Resume(now time.Time, day string, risk decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	if day != g.day {
		return false
	}
	g.riskToday = g.riskToday.Add(risk)
	return true
}

// RiskToday is the risk reserved so far on now's UTC day.
func (g *GlobalBudget) RiskToday(now time.Time) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	return g.riskToday
}

func (g *GlobalBudget) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *GlobalBudget) Max() int {
	return g.maxPositions
}

// LaneView is a point-in-time copy of a lane's counters.
type LaneView struct {
	Day           string
	TradesToday   int
	RiskToday     decimal.Decimal
	Open          int
	PerInstrument map[string]int
}

// Distinct returns how many different instruments have open positions.
func (v LaneView) Distinct() int {
	n := 0
	for _, c := range v.PerInstrument {
		if c > 0 {
			n++
		}
	}
	return n
}

// LaneBudget holds one lane's daily and open-position counters.
type LaneBudget struct {
	mu            sync.Mutex
	day           string
	tradesToday   int
	riskToday     decimal.Decimal
	open          int
	perInstrument map[string]int
}

func NewLaneBudget() *LaneBudget {
	return &LaneBudget{perInstrument: make(map[string]int)}
}

// Rollover resets the daily counters when now falls on a new UTC day.
// It reports true exactly once per boundary no matter how often it is called.
func (b *LaneBudget) Rollover(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rolloverLocked(now)
}

func (b *LaneBudget) rolloverLocked(now time.Time) bool {
	d := dayKey(now)
	if d == b.day {
		return false
	}
	first := b.day == ""
	b.day = d
	b.tradesToday = 0
	b.riskToday = decimal.Zero
	return !first
}

func (b *LaneBudget) View(now time.Time) LaneView {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)
	per := make(map[string]int, len(b.perInstrument))
	for k, v := range b.perInstrument {
		per[k] = v
	}
	return LaneView{Day: b.day, TradesToday: b.tradesToday, RiskToday: b.riskToday, Open: b.open, PerInstrument: per}
}

// Resume reinstates the daily counters saved before a restart. Counters from another day are
// ignored.
func (b *LaneBudget) Resume(now time.Time, day string, trades int, risk decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)
	if day != b.day {
		return false
	}
	b.tradesToday = trades
	b.riskToday = risk
	return true
}

// Commit records an admitted trade.
func (b *LaneBudget) Commit(now time.Time, instrument string, risk decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)
	b.tradesToday++
	b.riskToday = b.riskToday.Add(risk)
	b.open++
	b.perInstrument[instrument]++
}

// Rollback undoes a Commit whose order failed.
func (b *LaneBudget) Rollback(now time.Time, instrument string, risk decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dayKey(now) == b.day {
		if b.tradesToday > 0 {
			b.tradesToday--
		}
		b.riskToday = decimal.Max(decimal.Zero, b.riskToday.Sub(risk))
	}
	b.closeLocked(instrument)
}

// Close decrements the open counters for a position that left the book.
func (b *LaneBudget) Close(instrument string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(instrument)
}

func (b *LaneBudget) closeLocked(instrument string) {
	if b.open > 0 {
		b.open--
	}
	if n := b.perInstrument[instrument]; n > 1 {
		b.perInstrument[instrument] = n - 1
	} else {
		delete(b.perInstrument, instrument)
	}
}

// Track counts an already-open position without touching the daily counters.
func (b *LaneBudget) Track(instrument string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open++
	b.perInstrument[instrument]++
}
