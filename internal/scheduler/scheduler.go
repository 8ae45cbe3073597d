package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lane_trading/internal/metrics"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

var ErrUnknownLane = errors.New("unknown lane")

// Runner is a background task with its own timer, such as the adaptive updater.
type Runner interface {
	Run(ctx context.Context)
}

// Scheduler ticks every lane on its own timer. A slow or crashing lane never delays another.
type Scheduler struct {
	interval time.Duration
	lanes    []*Lane
	byID     map[string]*Lane
	updater  Runner
	log      *zap.Logger
}

func New(interval time.Duration, lanes []*Lane, updater Runner, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	byID := make(map[string]*Lane, len(lanes))
	for _, l := range lanes {
		byID[l.ID()] = l
	}
	return &Scheduler{interval: interval, lanes: lanes, byID: byID, updater: updater, log: log.Named("scheduler")}
}

func (s *Scheduler) Lanes() []*Lane {
	return append([]*Lane(nil), s.lanes...)
}

// Disable stops new entries on a lane; its positions keep being managed.
func (s *Scheduler) Disable(laneID string) error {
	l, ok := s.byID[laneID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneID)
	}
	l.Disable()
	return nil
}

func (s *Scheduler) Enable(laneID string) error {
	l, ok := s.byID[laneID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneID)
	}
	l.Enable()
	return nil
}

// Run blocks until ctx is done and every in-flight tick has returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", zap.Int("lanes", len(s.lanes)), zap.Duration("interval", s.interval))

	var wg conc.WaitGroup
	for _, lane := range s.lanes {
		lane := lane
		wg.Go(func() { s.loop(ctx, lane) })
	}
	if s.updater != nil {
		wg.Go(func() { s.updater.Run(ctx) })
	}
	wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, lane *Lane) {
	var inflight conc.WaitGroup
	defer inflight.Wait()

	fire := func() {
		if lane.Busy() {
			s.log.Warn("tick skipped, previous tick still running", zap.String("lane", lane.ID()))
			metrics.Tick(lane.ID(), "skipped", 0)
			return
		}
		inflight.Go(func() { s.tick(ctx, lane) })
	}

	fire()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, lane *Lane) {
	var pc panics.Catcher
	pc.Try(func() {
		if err := lane.Tick(ctx); err != nil && !errors.Is(err, ErrTickInFlight) {
			s.log.Warn("tick failed", zap.String("lane", lane.ID()), zap.Error(err))
		}
	})
	if r := pc.Recovered(); r != nil {
		metrics.Tick(lane.ID(), "panic", 0)
		s.log.Error("tick panicked",
			zap.String("lane", lane.ID()),
			zap.Any("panic", r.Value),
			zap.ByteString("stack", r.Stack))
	}
}
