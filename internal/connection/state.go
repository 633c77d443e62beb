package connection

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of one socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateLive
	StateReconnecting
	StateClosing
)

var stateNames = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateSubscribing:    "subscribing",
	StateLive:           "live",
	StateReconnecting:   "reconnecting",
	StateClosing:        "closing",
}

func (s State) String() string { return stateNames[s] }

// Legal transitions per socket. StateClosing is reachable from every state
// and terminal; the public socket skips StateAuthenticating; the private
// socket falls back to StateDisconnected when authentication fails
// (degraded public-only mode, retried on the token-check cadence).
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateSubscribing, StateReconnecting},
	StateAuthenticating: {StateSubscribing, StateReconnecting, StateDisconnected},
	StateSubscribing:    {StateLive, StateReconnecting},
	StateLive:           {StateReconnecting},
	StateReconnecting:   {StateConnecting},
	StateClosing:        nil,
}

// StateMachine tracks one socket's state and rejects illegal transitions.
// States change only through Transition, so invariants are testable without
// any socket I/O.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine starts in StateDisconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is in the given state.
func (m *StateMachine) Is(s State) bool {
	return m.State() == s
}

// Transition moves to the target state, or fails with ErrInvalidTransition.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == StateClosing {
		// Terminal, reachable from anywhere.
		m.state = StateClosing
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
}
