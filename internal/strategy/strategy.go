// Package strategy defines the pluggable signal generators and the compile-time registry that
// maps lane strategy keys to them.
//
// A Strategy is a pure function of its Input: it must not keep state between calls, mutate the
// input slices or touch anything shared. Tunable thresholds come from the instrument's ParamSet.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"lane_trading/internal/models"
)

// ErrUnknownStrategy is returned when a lane names a key the registry does not know.
var ErrUnknownStrategy = errors.New("unknown strategy")

// HistoryRequest describes bars a strategy needs fetched before Analyze.
type HistoryRequest struct {
	Granularity models.Granularity
	Count       int
}

// Input is everything a strategy may look at for one instrument on one tick.
type Input struct {
	Snapshot models.Snapshot
	History  map[models.Granularity][]models.Bar
	Params   models.ParamSet
	Now      time.Time
}

// Strategy turns market state into candidate signals.
type Strategy interface {
	Name() string
	History() []HistoryRequest
	Analyze(in Input) []models.Signal
}

// Factory builds a fresh strategy instance for one lane.
type Factory func() Strategy

// Registry maps strategy keys to factories. It is populated at startup and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under key.
func (r *Registry) Register(key string, f Factory) error {
	if key == "" || f == nil {
		return fmt.Errorf("strategy: invalid registration %q", key)
	}
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("strategy: %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Resolve builds the strategy registered under key.
func (r *Registry) Resolve(key string) (Strategy, error) {
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, key)
	}
	return f(), nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.factories[key]
	return ok
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const (
	KeyBandBreakout = "band_breakout"
	KeyOpeningRange = "opening_range"
)

// DefaultRegistry holds the reference strategies with their default configuration.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(KeyBandBreakout, func() Strategy { return NewBandBreakout(DefaultBandBreakoutConfig()) })
	_ = r.Register(KeyOpeningRange, func() Strategy { return NewOpeningRange(DefaultOpeningRangeConfig()) })
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func usableParams(p models.ParamSet) bool {
	return p.BandMultiplier > 0 && p.StopMultiplier > 0 && p.TargetMultiplier > 0
}
