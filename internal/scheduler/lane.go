// Package scheduler runs the lanes: one Tick pipeline per account, driven on independent
// timers, sharing only the global budget, the broker-call rate limiter and the parameter store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"lane_trading/internal/guard"
	"lane_trading/internal/ledger"
	"lane_trading/internal/market"
	"lane_trading/internal/metrics"
	"lane_trading/internal/models"
	"lane_trading/internal/notify"
	"lane_trading/internal/risk"
	"lane_trading/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrTickInFlight is returned when a lane is asked to tick while its previous tick runs.
	ErrTickInFlight = errors.New("previous tick still running")

	errStrategyTimeout = errors.New("strategy timed out")
)

// ParamSource serves the current parameter set per instrument. adaptive.Store satisfies it.
type ParamSource interface {
	Get(instrument string) models.ParamSet
}

type Options struct {
	TickTimeout     time.Duration
	StrategyTimeout time.Duration
	// SubmitTimeout bounds an order submission that is already under way when shutdown begins.
	SubmitTimeout time.Duration
	Policy        Policy
}

func DefaultOptions() Options {
	return Options{
		TickTimeout:     45 * time.Second,
		StrategyTimeout: 2 * time.Second,
		SubmitTimeout:   30 * time.Second,
		Policy:          DefaultPolicy(),
	}
}

// LaneDeps are the collaborators a lane is built from. Global, Limiter, Guard and Params are
// shared by every lane.
type LaneDeps struct {
	Registry    *strategy.Registry
	Instruments map[string]models.InstrumentLimits
	Gateway     market.Gateway
	Feed        market.SnapshotProvider
	Limiter     *rate.Limiter
	Global      *risk.GlobalBudget
	Risk        risk.Config
	Ledger      ledger.Config
	Store       ledger.Store
	Guard       *guard.Aggregator
	Params      ParamSource
	Sinks       []ledger.OutcomeSink
	Bus         notify.Publisher
	Clock       func() time.Time
	Log         *zap.Logger
}

// Lane owns one account's strategy, budget and ledger. Only its own tick mutates them.
type Lane struct {
	id   string
	cfg  models.LaneConfig
	opts Options

	strategy   strategy.Strategy
	controller *risk.Controller
	ledger     *ledger.Ledger
	guard      *guard.Aggregator
	params     ParamSource
	gw         market.Gateway
	feed       market.SnapshotProvider
	calls      *caller
	store      ledger.Store
	daily      dailyFile // last saved daily counters
	bus        notify.Publisher
	clock      func() time.Time
	log        *zap.Logger

	enabled  atomic.Bool
	degraded atomic.Bool
	running  atomic.Bool
}

// NewLane resolves the lane's strategy and wires its budget, ledger and guarded gateway.
func NewLane(cfg models.LaneConfig, opts Options, d LaneDeps) (*Lane, error) {
	if d.Registry == nil {
		d.Registry = strategy.DefaultRegistry()
	}
	strat, err := d.Registry.Resolve(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", cfg.AccountID, err)
	}
	if d.Gateway == nil || d.Feed == nil {
		return nil, fmt.Errorf("lane %s: gateway and feed are required", cfg.AccountID)
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = notify.Discard
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Global == nil {
		d.Global = risk.NewGlobalBudget(0, decimal.Zero)
	}
	if d.Guard == nil {
		d.Guard = guard.NewAggregator(guard.DefaultConfig(), nil, d.Log)
	}
	if d.Params == nil {
		d.Params = defaultParams{}
	}

	limits := make(map[string]models.InstrumentLimits, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		limits[inst] = d.Instruments[inst]
	}

	log := d.Log.Named("lane").With(zap.String("lane", cfg.AccountID))
	calls := newCaller(cfg.AccountID, d.Limiter, opts.Policy, log)
	l := &Lane{
		id:       cfg.AccountID,
		cfg:      cfg,
		opts:     opts,
		strategy: strat,
		guard:    d.Guard,
		params:   d.Params,
		gw:       &gateway{inner: d.Gateway, c: calls},
		feed:     &feed{inner: d.Feed, c: calls},
		calls:    calls,
		store:    d.Store,
		bus:      d.Bus,
		clock:    d.Clock,
		log:      log,
	}
	l.controller = risk.NewController(cfg.AccountID, d.Risk, cfg.Risk, limits, risk.NewLaneBudget(), d.Global, d.Log)
	l.ledger = ledger.New(cfg.AccountID, cfg.AccountID, d.Ledger, ledger.Deps{
		Gateway:   l.gw,
		Store:     d.Store,
		Sinks:     d.Sinks,
		Publisher: d.Bus,
		Hooks: ledger.Hooks{
			Closed:  func(p ledger.Position) { l.controller.Release(p.Instrument) },
			Failed:  func(p ledger.Position) { l.controller.Rollback(p.SubmittedAt, p.Instrument, p.Risk) },
			Tracked: func(p ledger.Position) { l.controller.Track(p.Instrument) },
		},
		Log: d.Log,
	})
	l.enabled.Store(cfg.Enabled)
	metrics.SetDegraded(l.id, false)
	return l, nil
}

type defaultParams struct{}

func (defaultParams) Get(string) models.ParamSet {
	return models.ParamSet{BandMultiplier: 2.0, StopMultiplier: 1.5, TargetMultiplier: 2.0}
}

func (l *Lane) ID() string                   { return l.id }
func (l *Lane) Config() models.LaneConfig    { return l.cfg }
func (l *Lane) Ledger() *ledger.Ledger       { return l.ledger }
func (l *Lane) Controller() *risk.Controller { return l.controller }
func (l *Lane) Enabled() bool                { return l.enabled.Load() }
func (l *Lane) Degraded() bool               { return l.degraded.Load() }
func (l *Lane) Busy() bool                   { return l.running.Load() }

// Disable stops new entries. Open positions keep being managed.
func (l *Lane) Disable() {
	if l.enabled.Swap(false) {
		l.log.Info("lane disabled")
	}
}

func (l *Lane) Enable() {
	if !l.enabled.Swap(true) {
		l.log.Info("lane enabled")
	}
}

// Restore reloads the lane's persisted positions and counts them against the budgets, and
// reinstates today's trade and risk counters when they were saved on the same UTC day.
func (l *Lane) Restore() (int, error) {
	now := l.clock().UTC()
	if err := l.restoreDaily(now); err != nil {
		return 0, err
	}
	return l.ledger.Restore(now)
}

// dailyFile carries a lane's daily counters across restarts.
type dailyFile struct {
	Day    string          `json:"day"`
	Trades int             `json:"trades"`
	Risk   decimal.Decimal `json:"risk"`
}

func dailyKey(lane string) string { return lane + ".daily" }

func (l *Lane) restoreDaily(now time.Time) error {
	if l.store == nil {
		return nil
	}
	var f dailyFile
	ok, err := l.store.Load(dailyKey(l.id), &f)
	if err != nil {
		return fmt.Errorf("lane %s daily counters: %w", l.id, err)
	}
	if !ok {
		return nil
	}
	if !l.controller.Resume(now, f.Day, f.Trades, f.Risk) {
		l.log.Info("saved daily counters are from another day, ignored", zap.String("day", f.Day))
		return nil
	}
	l.daily = f
	l.log.Info("daily counters restored",
		zap.String("day", f.Day), zap.Int("trades", f.Trades), zap.String("risk", f.Risk.String()))
	return nil
}

// saveDaily writes the daily counters when they changed since the last save.
func (l *Lane) saveDaily(now time.Time) {
	if l.store == nil {
		return
	}
	v := l.controller.Budget().View(now)
	f := dailyFile{Day: v.Day, Trades: v.TradesToday, Risk: v.RiskToday}
	if f.Day == l.daily.Day && f.Trades == l.daily.Trades && f.Risk.Equal(l.daily.Risk) {
		return
	}
	if err := l.store.Save(dailyKey(l.id), f); err != nil {
		l.log.Error("daily counters save failed", zap.Error(err))
		return
	}
	l.daily = f
}

// Tick runs one cycle. Cancelling ctx stops new entries but lets an order submission that
// already started finish and be captured.
func (l *Lane) Tick(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Warn("tick skipped, previous tick still running")
		metrics.Tick(l.id, "skipped", 0)
		return ErrTickInFlight
	}
	defer l.running.Store(false)

	start := time.Now()
	result, err := l.tick(ctx)
	metrics.Tick(l.id, result, time.Since(start).Seconds())
	return err
}

func (l *Lane) tick(ctx context.Context) (string, error) {
	tickCtx, cancel := context.WithTimeout(ctx, l.opts.TickTimeout)
	defer cancel()
	l.calls.reset()
	now := l.clock().UTC()

	if l.controller.Budget().Rollover(now) {
		l.log.Info("daily counters reset", zap.String("day", now.Format(time.DateOnly)))
	}
	defer l.saveDaily(now)

	acct, err := l.gw.GetAccountSummary(tickCtx, l.id)
	if err != nil {
		l.log.Warn("account summary unavailable", zap.Error(err))
	}

	held, listErr := l.gw.ListOpenPositions(tickCtx, l.id)
	if listErr != nil {
		l.log.Warn("open positions unavailable, reconcile skipped", zap.Error(listErr))
	}
	snaps := l.snapshots(tickCtx, held)

	var index map[string]models.BrokerPosition
	if listErr == nil {
		index = l.ledger.Reconcile(now, held, snaps)
	}
	guards := l.guard.Assess(tickCtx, now, snaps, l.cfg.Instruments)
	l.ledger.Manage(tickCtx, now, snaps, index)

	degraded := l.updateHealth(now)
	switch {
	case ctx.Err() != nil:
		return "shutdown", nil
	case tickCtx.Err() != nil:
		l.log.Warn("tick timed out before entries", zap.Duration("timeout", l.opts.TickTimeout))
		return "timeout", tickCtx.Err()
	case !l.enabled.Load():
		return "disabled", nil
	case acct == nil:
		return "degraded", nil
	}

	for _, sig := range l.signals(tickCtx, now, snaps) {
		if ctx.Err() != nil {
			break
		}
		snap := snaps[sig.Instrument]
		l.enter(ctx, now, sig, *snap, guards[sig.Instrument], acct, degraded, snaps)
	}

	if l.updateHealth(now) {
		return "degraded", nil
	}
	return "ok", nil
}

// snapshots fetches quotes for the lane's instruments and anything held or tracked outside them.
// A failed fetch leaves the instrument out of the map.
func (l *Lane) snapshots(ctx context.Context, held []models.BrokerPosition) map[string]*models.Snapshot {
	seen := make(map[string]bool)
	var want []string
	add := func(inst string) {
		if inst != "" && !seen[inst] {
			seen[inst] = true
			want = append(want, inst)
		}
	}
	for _, inst := range l.cfg.Instruments {
		add(inst)
	}
	for _, bp := range held {
		add(bp.Instrument)
	}
	for _, p := range l.ledger.Positions() {
		add(p.Instrument)
	}

	out := make(map[string]*models.Snapshot, len(want))
	for _, inst := range want {
		s, err := l.feed.GetSnapshot(ctx, inst)
		if err != nil {
			l.log.Warn("snapshot unavailable", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		out[inst] = &s
	}
	return out
}

// updateHealth applies this cycle's call outcomes to the degraded flag and returns it.
func (l *Lane) updateHealth(now time.Time) bool {
	exhausted, succeeded := l.calls.health()
	switch {
	case exhausted && l.degraded.CompareAndSwap(false, true):
		metrics.SetDegraded(l.id, true)
		l.log.Error("lane degraded, new entries paused")
		l.bus.Publish(notify.Event{Kind: notify.LaneDegraded, Lane: l.id, Message: "broker calls exhausted their retries", At: now})
	case !exhausted && succeeded && l.degraded.CompareAndSwap(true, false):
		metrics.SetDegraded(l.id, false)
		l.log.Info("lane recovered")
		l.bus.Publish(notify.Event{Kind: notify.LaneRecovered, Lane: l.id, Message: "broker round-trip succeeded", At: now})
	}
	return l.degraded.Load()
}

// signals runs the strategy over every instrument with a fresh snapshot, in configured order.
func (l *Lane) signals(ctx context.Context, now time.Time, snaps map[string]*models.Snapshot) []models.Signal {
	var out []models.Signal
	for _, inst := range l.cfg.Instruments {
		snap := snaps[inst]
		if snap == nil || !snap.Fresh(now, l.guard.MaxAge()) {
			l.log.Debug("instrument skipped, no fresh snapshot", zap.String("instrument", inst))
			continue
		}

		in := strategy.Input{
			Snapshot: *snap,
			History:  make(map[models.Granularity][]models.Bar),
			Params:   l.params.Get(inst),
			Now:      now,
		}
		complete := true
		for _, h := range l.strategy.History() {
			bars, err := l.feed.GetBars(ctx, inst, h.Granularity, h.Count)
			if err != nil {
				l.log.Warn("history unavailable", zap.String("instrument", inst), zap.String("granularity", string(h.Granularity)), zap.Error(err))
				complete = false
				break
			}
			in.History[h.Granularity] = bars
		}
		if !complete {
			continue
		}

		sigs, err := l.analyze(ctx, in)
		if err != nil {
			l.log.Warn("strategy skipped", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		for _, sig := range sigs {
			if sig.Instrument != inst || !sig.Valid() {
				l.log.Warn("malformed signal dropped", zap.String("instrument", inst), zap.Any("signal", sig))
				continue
			}
			if sig.StrategyID == "" {
				sig.StrategyID = l.strategy.Name()
			}
			out = append(out, sig)
		}
	}
	return out
}

// analyze runs the strategy with a deadline and recovers its panics.
func (l *Lane) analyze(ctx context.Context, in strategy.Input) ([]models.Signal, error) {
	type result struct {
		out []models.Signal
		rec *panics.Recovered
	}
	done := make(chan result, 1)
	go func() {
		var pc panics.Catcher
		var out []models.Signal
		pc.Try(func() { out = l.strategy.Analyze(in) })
		done <- result{out: out, rec: pc.Recovered()}
	}()

	timer := time.NewTimer(l.opts.StrategyTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.rec != nil {
			l.log.Error("strategy panicked", zap.String("strategy", l.strategy.Name()), zap.Any("panic", r.rec.Value))
			return nil, fmt.Errorf("strategy %s panicked: %v", l.strategy.Name(), r.rec.Value)
		}
		return r.out, nil
	case <-timer.C:
		return nil, errStrategyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lane) holdings(snaps map[string]*models.Snapshot) []risk.Holding {
	var out []risk.Holding
	for _, p := range l.ledger.Positions() {
		h := risk.Holding{Instrument: p.Instrument}
		if s := snaps[p.Instrument]; s != nil {
			h.UnrealizedR = p.UnrealizedR(*s)
		}
		out = append(out, h)
	}
	return out
}

// enter admits one signal and, if admitted, submits it. The submission runs on a context
// detached from shutdown so a filled order is always captured by the ledger.
func (l *Lane) enter(ctx context.Context, now time.Time, sig models.Signal, snap models.Snapshot, gs models.GuardState,
	acct *models.Account, degraded bool, snaps map[string]*models.Snapshot) {
	d := l.controller.Admit(risk.Request{
		Signal:   sig,
		Snapshot: snap,
		Balance:  acct.Balance,
		Guard:    gs,
		Enabled:  l.enabled.Load(),
		Degraded: degraded,
		Holdings: l.holdings(snaps),
		Now:      now,
	})
	if !d.Admitted {
		return
	}
	l.saveDaily(now)

	p := l.ledger.Begin(sig, d.Units, d.Risk, now)
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.SubmitTimeout)
	defer cancel()
	res, err := l.gw.PlaceOrder(submitCtx, models.OrderRequest{
		AccountID:     l.id,
		ClientOrderID: p.ID,
		Instrument:    sig.Instrument,
		Direction:     sig.Direction,
		Units:         d.Units,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
	})
	if err != nil {
		// A fill the broker did make anyway shows up in the next reconcile and is adopted.
		if ferr := l.ledger.Fail(p.ID, err.Error(), now); ferr != nil {
			l.log.Error("could not fail position", zap.String("id", p.ID), zap.Error(ferr))
		}
		return
	}
	if err := l.ledger.ConfirmFill(p.ID, res, now); err != nil {
		l.log.Error("fill not recorded", zap.String("id", p.ID), zap.Error(err))
	}
}
