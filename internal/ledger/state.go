package ledger

import (
	"go.opentelemetry.io/otel/trace"
)

// State is the progress of one movement attempt.
type State uint8

const (
	StateNew State = iota
	StateValidated
	StateLocked
	StateApplied
	StateRecorded
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateValidated:
		return "validated"
	case StateLocked:
		return "locked"
	case StateApplied:
		return "applied"
	case StateRecorded:
		return "recorded"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "new"
	}
}

// attempt tracks the state of a single Execute or Deposit call.
type attempt struct {
	state State
	span  trace.Span
	hook  func(State)
}

func (a *attempt) enter(s State) {
	a.state = s
	if a.span != nil {
		a.span.AddEvent(s.String())
	}
	if a.hook != nil {
		a.hook(s)
	}
}
