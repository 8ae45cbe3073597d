package ledger

import (
	"errors"
	"fmt"
)

// State is a position's lifecycle stage.
type State string

const (
	Pending  State = "pending"
	Open     State = "open"
	Scaled25 State = "scaled_25"
	Scaled75 State = "scaled_75"
	Closed   State = "closed"
	Failed   State = "failed"
)

var (
	ErrInvalidTransition = errors.New("invalid position transition")
	ErrUnknownPosition   = errors.New("unknown position")
)

var transitions = map[State][]State{
	Pending:  {Open, Failed},
	Open:     {Scaled25, Closed},
	Scaled25: {Scaled75, Closed},
	Scaled75: {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func isTerminal(s State) bool {
	return s == Closed || s == Failed
}

// Live reports whether the state holds units at the broker.
func (s State) Live() bool {
	return s == Open || s == Scaled25 || s == Scaled75
}

func (p *Position) transition(to State) error {
	if p.State == to {
		return nil
	}
	if !canTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, p.State, to, p.ID)
	}
	p.State = to
	return nil
}
