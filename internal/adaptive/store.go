// Package adaptive recalibrates per-instrument strategy parameters from realized outcomes.
//
// The store is a damped integrator: every cycle it nudges the band and target multipliers by a
// bounded relative step and clamps them to fixed ranges. Readers get immutable snapshots
// published by pointer swap and never take a lock.
package adaptive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lane_trading/internal/ledger"
	"lane_trading/internal/metrics"
	"lane_trading/internal/models"
	"lane_trading/internal/notify"
	"lane_trading/internal/storage"

	"go.uber.org/zap"
)

// ErrCorruptParams marks a parameter set that failed validation.
var ErrCorruptParams = errors.New("corrupt adaptive parameters")

type Bounds struct {
	Min float64
	Max float64
}

func (b Bounds) clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

func (b Bounds) contains(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= b.Min && v <= b.Max
}

type Config struct {
	Interval time.Duration
	Window   time.Duration
	Path     string

	Good       float64 // weighted average R above this tightens the band
	Poor       float64 // below this widens it
	Step       float64 // relative change per cycle
	MinWeight  float64 // weight needed before anything moves
	ScoreAlpha float64
	ScoreLimit float64

	Band   Bounds
	Stop   Bounds
	Target Bounds

	Defaults models.ParamSet
}

func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Minute,
		Window:     6 * time.Hour,
		Good:       0.5,
		Poor:       0.0,
		Step:       0.05,
		MinWeight:  1.0,
		ScoreAlpha: 0.3,
		ScoreLimit: 3.0,
		Band:       Bounds{Min: 1.5, Max: 3.0},
		Stop:       Bounds{Min: 1.0, Max: 3.0},
		Target:     Bounds{Min: 1.0, Max: 4.0},
		Defaults:   models.ParamSet{BandMultiplier: 2.0, StopMultiplier: 1.5, TargetMultiplier: 2.0},
	}
}

// Change describes one instrument's update in a cycle.
type Change struct {
	Instrument string
	Before     models.ParamSet
	After      models.ParamSet
	AverageR   float64
	Weight     float64
}

type paramMap = map[string]models.ParamSet

type Store struct {
	cfg Config
	log *zap.Logger
	bus notify.Publisher

	current atomic.Pointer[paramMap]
	writeMu sync.Mutex

	evMu   sync.Mutex
	events []ledger.OutcomeEvent
}

func New(cfg Config, bus notify.Publisher, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = notify.Discard
	}
	s := &Store{cfg: cfg, bus: bus, log: log.Named("adaptive")}
	empty := paramMap{}
	s.current.Store(&empty)
	return s
}

// Get returns the instrument's parameters, or the defaults when none were learned yet.
func (s *Store) Get(instrument string) models.ParamSet {
	if p, ok := (*s.current.Load())[instrument]; ok {
		return p
	}
	return s.cfg.Defaults
}

// Snapshot returns every learned parameter set.
func (s *Store) Snapshot() map[string]models.ParamSet {
	cur := *s.current.Load()
	out := make(map[string]models.ParamSet, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// RecordOutcome queues a ledger outcome for the next cycle.
func (s *Store) RecordOutcome(ev ledger.OutcomeEvent) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.events = append(s.events, ev)
}

// Rehydrate seeds the window with outcomes recorded before a restart.
func (s *Store) Rehydrate(events []ledger.OutcomeEvent) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.events = append(append([]ledger.OutcomeEvent(nil), events...), s.events...)
}

// windowed drops outcomes older than the window and groups the rest by instrument.
func (s *Store) windowed(now time.Time) map[string][]ledger.OutcomeEvent {
	cutoff := now.Add(-s.cfg.Window)
	s.evMu.Lock()
	defer s.evMu.Unlock()

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	s.events = kept

	out := make(map[string][]ledger.OutcomeEvent)
	for _, ev := range kept {
		if ev.At.After(now) {
			continue
		}
		out[ev.Instrument] = append(out[ev.Instrument], ev)
	}
	return out
}

// Recalibrate runs one update cycle and publishes the result atomically.
func (s *Store) Recalibrate(now time.Time) []Change {
	byInstrument := s.windowed(now)
	instruments := make([]string, 0, len(byInstrument))
	for k := range byInstrument {
		instruments = append(instruments, k)
	}
	sort.Strings(instruments)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.current.Load()
	next := make(paramMap, len(cur)+len(instruments))
	for k, v := range cur {
		next[k] = v
	}

	var changes []Change
	for _, inst := range instruments {
		before := s.Get(inst)
		after, avg, weight, ok := s.step(before, byInstrument[inst], now)
		if !ok {
			continue
		}
		next[inst] = after
		changes = append(changes, Change{Instrument: inst, Before: before, After: after, AverageR: avg, Weight: weight})
	}
	if len(changes) == 0 {
		return nil
	}
	s.current.Store(&next)

	for _, c := range changes {
		s.report(c)
	}
	s.persistLocked(next, now)
	return changes
}

func (s *Store) step(p models.ParamSet, events []ledger.OutcomeEvent, now time.Time) (models.ParamSet, float64, float64, bool) {
	var wsum, rsum float64
	for _, ev := range events {
		if ev.Weight <= 0 || math.IsNaN(ev.R) || math.IsInf(ev.R, 0) {
			continue
		}
		wsum += ev.Weight
		rsum += ev.Weight * ev.R
	}
	if wsum < s.cfg.MinWeight {
		return p, 0, wsum, false
	}
	avg := rsum / wsum

	switch {
	case avg > s.cfg.Good:
		p.BandMultiplier *= 1 - s.cfg.Step
		p.TargetMultiplier *= 1 + s.cfg.Step
	case avg < s.cfg.Poor:
		p.BandMultiplier *= 1 + s.cfg.Step
		p.TargetMultiplier *= 1 - s.cfg.Step
	}
	p.BandMultiplier = s.cfg.Band.clamp(p.BandMultiplier)
	p.TargetMultiplier = s.cfg.Target.clamp(p.TargetMultiplier)
	p.StopMultiplier = s.cfg.Stop.clamp(p.StopMultiplier)

	score := p.Score*(1-s.cfg.ScoreAlpha) + avg*s.cfg.ScoreAlpha
	p.Score = math.Max(-s.cfg.ScoreLimit, math.Min(s.cfg.ScoreLimit, score))
	p.Samples = len(events)
	p.UpdatedAt = now
	return p, avg, wsum, true
}

func (s *Store) report(c Change) {
	a := c.After
	metrics.SetAdaptiveParam(c.Instrument, "band", a.BandMultiplier)
	metrics.SetAdaptiveParam(c.Instrument, "stop", a.StopMultiplier)
	metrics.SetAdaptiveParam(c.Instrument, "target", a.TargetMultiplier)
	metrics.SetAdaptiveParam(c.Instrument, "score", a.Score)

	s.log.Info("parameters recalibrated",
		zap.String("instrument", c.Instrument),
		zap.Float64("avg_r", c.AverageR),
		zap.Float64("weight", c.Weight),
		zap.Float64("band", a.BandMultiplier),
		zap.Float64("target", a.TargetMultiplier),
		zap.Float64("score", a.Score))

	if a.BandMultiplier != c.Before.BandMultiplier || a.TargetMultiplier != c.Before.TargetMultiplier {
		s.bus.Publish(notify.Event{
			Kind:       notify.ParamsChanged,
			Instrument: c.Instrument,
			Message: fmt.Sprintf("band %.3f→%.3f, target %.3f→%.3f (avg %.2fR)",
				c.Before.BandMultiplier, a.BandMultiplier, c.Before.TargetMultiplier, a.TargetMultiplier, c.AverageR),
			At: a.UpdatedAt,
		})
	}
}

// Validate checks a parameter set against the configured bounds.
func (s *Store) Validate(p models.ParamSet) error {
	switch {
	case !s.cfg.Band.contains(p.BandMultiplier):
		return fmt.Errorf("%w: band multiplier %v", ErrCorruptParams, p.BandMultiplier)
	case !s.cfg.Stop.contains(p.StopMultiplier):
		return fmt.Errorf("%w: stop multiplier %v", ErrCorruptParams, p.StopMultiplier)
	case !s.cfg.Target.contains(p.TargetMultiplier):
		return fmt.Errorf("%w: target multiplier %v", ErrCorruptParams, p.TargetMultiplier)
	case !(Bounds{Min: -s.cfg.ScoreLimit, Max: s.cfg.ScoreLimit}).contains(p.Score):
		return fmt.Errorf("%w: score %v", ErrCorruptParams, p.Score)
	case p.Samples < 0:
		return fmt.Errorf("%w: samples %d", ErrCorruptParams, p.Samples)
	}
	return nil
}

// Run recalibrates on every interval until ctx ends.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Recalibrate(t.UTC())
		}
	}
}

type paramsFile struct {
	Version     string                     `json:"version"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	Instruments map[string]models.ParamSet `json:"instruments"`
}

// Load reads persisted parameters. Instruments that fail validation are reset to defaults and an
// alert is raised; an unreadable file resets everything. A missing file is not an error.
func (s *Store) Load(now time.Time) error {
	if s.cfg.Path == "" {
		return nil
	}
	var f paramsFile
	err := storage.ReadJSON(s.cfg.Path, &f)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no adaptive parameters saved, using defaults", zap.String("path", s.cfg.Path))
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err != nil {
		s.log.Error("adaptive parameters unreadable, resetting all to defaults", zap.Error(err))
		s.alert("", fmt.Sprintf("parameter file unreadable (%v), all instruments reset to defaults", err), now)
		empty := paramMap{}
		s.current.Store(&empty)
		s.persistLocked(empty, now)
		return nil
	}

	loaded := make(paramMap, len(f.Instruments))
	reset := false
	names := make([]string, 0, len(f.Instruments))
	for k := range f.Instruments {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, inst := range names {
		p := f.Instruments[inst]
		if err := s.Validate(p); err != nil {
			s.log.Error("adaptive parameters corrupt, reset to defaults", zap.String("instrument", inst), zap.Error(err))
			s.alert(inst, fmt.Sprintf("reset to defaults: %v", err), now)
			d := s.cfg.Defaults
			d.UpdatedAt = now
			loaded[inst] = d
			reset = true
			continue
		}
		loaded[inst] = p
	}
	s.current.Store(&loaded)
	if reset {
		s.persistLocked(loaded, now)
	}
	s.log.Info("adaptive parameters loaded", zap.Int("instruments", len(loaded)))
	return nil
}

func (s *Store) alert(instrument, msg string, now time.Time) {
	s.bus.Publish(notify.Event{Kind: notify.ParamsReset, Instrument: instrument, Message: msg, At: now})
}

func (s *Store) persistLocked(m paramMap, now time.Time) {
	if s.cfg.Path == "" {
		return
	}
	f := paramsFile{Version: "1", UpdatedAt: now, Instruments: m}
	if err := storage.WriteJSONAtomic(s.cfg.Path, f); err != nil {
		s.log.Error("adaptive parameters save failed", zap.Error(err))
	}
}
