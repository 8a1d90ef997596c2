package runtime

// state.go defines the bounded orchestrator state machine.
//
// Contract:
// - A turn moves Idle -> Planning -> (Dispatching -> Planning)* -> Responding
//   -> Idle. A turn aborted before its first planning step (cancel during
//   turn-start discovery) goes Idle -> Responding directly.
// - Any other transition is a bug in the workflow and aborts the session.

import (
	"fmt"
	"slices"

	"goa.design/agentloop/runtime/agent/effect"
)

// State is the orchestrator state of a session.
type State string

const (
	StateIdle        State = "idle"
	StatePlanning    State = "planning"
	StateDispatching State = "dispatching"
	StateResponding  State = "responding"
)

var transitions = map[State][]State{
	StateIdle:        {StatePlanning, StateResponding},
	StatePlanning:    {StateDispatching, StateResponding},
	StateDispatching: {StatePlanning, StateResponding},
	StateResponding:  {StateIdle},
}

// machine tracks the current state and rejects illegal transitions.
type machine struct {
	state State
}

func newMachine() *machine { return &machine{state: StateIdle} }

// to moves to next. An illegal transition returns an error wrapping
// effect.ErrFatal and leaves the state unchanged.
func (m *machine) to(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return fmt.Errorf("%w: illegal transition %s -> %s", effect.ErrFatal, m.state, next)
	}
	m.state = next
	return nil
}

// Current returns the current state.
func (m *machine) Current() State { return m.state }
