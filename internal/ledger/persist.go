package ledger

import (
	"time"

	"lane_trading/internal/metrics"

	"go.uber.org/zap"
)

const fileVersion = "2"

type ledgerFile struct {
	Version   string     `json:"version"`
	Lane      string     `json:"lane"`
	SavedAt   time.Time  `json:"saved_at"`
	Seq       int64      `json:"seq"`
	Positions []Position `json:"positions"`
}

// migrate upgrades older documents in place and reports whether anything changed.
func (l *Ledger) migrate(f *ledgerFile) bool {
	updated := false

	// 1 -> 2: bracket deadline tracked per position
	if f.Version < "2" {
		for i := range f.Positions {
			p := &f.Positions[i]
			if p.BracketDue.IsZero() && !p.OpenedAt.IsZero() {
				p.BracketDue = p.OpenedAt.Add(l.cfg.BracketGrace)
			}
		}
		f.Version = "2"
		updated = true
	}
	return updated
}

// Restore loads the lane's saved positions. Terminal entries are skipped; the rest are
// tracked again and reported through Hooks.Tracked.
func (l *Ledger) Restore(now time.Time) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	var f ledgerFile
	ok, err := l.store.Load(l.lane, &f)
	if err != nil || !ok {
		return 0, err
	}
	if l.migrate(&f) {
		l.log.Info("ledger migrated", zap.String("version", f.Version))
	}

	restored := 0
	l.mu.Lock()
	if f.Seq > l.seq {
		l.seq = f.Seq
	}
	var tracked []Position
	for _, p := range f.Positions {
		if isTerminal(p.State) || p.RemainingUnits <= 0 {
			continue
		}
		cp := p
		l.positions[p.ID] = &cp
		if p.Seq > l.seq {
			l.seq = p.Seq
		}
		tracked = append(tracked, p)
		restored++
	}
	metrics.SetPositionsOpen(l.lane, l.liveCountLocked())
	l.mu.Unlock()

	for _, p := range tracked {
		if l.hooks.Tracked != nil {
			l.hooks.Tracked(p)
		}
	}
	l.log.Info("ledger restored", zap.Int("positions", restored))
	return restored, nil
}

func (l *Ledger) persist(now time.Time) {
	if l.store == nil {
		return
	}
	l.mu.RLock()
	seq := l.seq
	l.mu.RUnlock()
	f := ledgerFile{
		Version:   fileVersion,
		Lane:      l.lane,
		SavedAt:   now,
		Seq:       seq,
		Positions: l.Positions(),
	}
	if err := l.store.Save(l.lane, f); err != nil {
		l.log.Error("ledger save failed", zap.Error(err))
	}
}
