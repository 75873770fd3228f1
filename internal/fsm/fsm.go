// Package fsm holds the acquisition lifecycle states and the table of legal transitions
// between them.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// State is a lifecycle state of an acquisition coordinator
type State int

const (
	Idle State = iota
	Starting
	Connecting
	Executing
	Stopping
	Stopped
)

var stateNames = map[State]string{
	Idle:       "Idle",
	Starting:   "Starting",
	Connecting: "Connecting",
	Executing:  "Executing",
	Stopping:   "Stopping",
	Stopped:    "Stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a session is in flight in this state
func (s State) Active() bool {
	switch s {
	case Starting, Connecting, Executing, Stopping:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned for a transition missing from the table
var ErrInvalidTransition = errors.New("invalid state transition")

// Transition is a single state change
type Transition struct {
	From State `json:"from"`
	To   State `json:"to"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// table lists every legal transition. Stopping is reachable from every non-terminal state;
// Stopped is terminal, a new session starts on a fresh Machine.
var table = map[State][]State{
	Idle:       {Starting},
	Starting:   {Connecting, Stopping},
	Connecting: {Executing, Stopping},
	Executing:  {Stopping},
	Stopping:   {Stopped},
}

func init() {
	if err := validateTable(table); err != nil {
		panic(err)
	}
}

// validateTable checks that every state is known, Stopped is the only state without an exit
// and every state is reachable from Idle.
func validateTable(t map[State][]State) error {
	for from, targets := range t {
		if _, ok := stateNames[from]; !ok {
			return fmt.Errorf("transition table: unknown source state %v", from)
		}
		if from == Stopped && len(targets) > 0 {
			return fmt.Errorf("transition table: %v is terminal", from)
		}
		for _, to := range targets {
			if _, ok := stateNames[to]; !ok {
				return fmt.Errorf("transition table: unknown target state %v from %v", to, from)
			}
			if to == from {
				return fmt.Errorf("transition table: self loop on %v", from)
			}
		}
	}

	seen := map[State]bool{Idle: true}
	queue := []State{Idle}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range t[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for st := range stateNames {
		if !seen[st] {
			return fmt.Errorf("transition table: %v is unreachable", st)
		}
		if st != Stopped && len(t[st]) == 0 {
			return fmt.Errorf("transition table: %v has no outgoing transition", st)
		}
	}
	return nil
}

// CanTransition reports whether from -> to is in the table
func CanTransition(from, to State) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine is a mutex-guarded current state
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine starts in Idle
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state if the table allows it
func (m *Machine) Transition(to State) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionIf moves to `to` only when the current state is one of `from`. It returns
// ok=false without error when the precondition does not hold.
func (m *Machine) TransitionIf(to State, from ...State) (Transition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			tr, err := m.transitionLocked(to)
			return tr, err == nil, err
		}
	}
	return Transition{From: m.state, To: to}, false, nil
}

func (m *Machine) transitionLocked(to State) (Transition, error) {
	tr := Transition{From: m.state, To: to}
	if !CanTransition(m.state, to) {
		return tr, fmt.Errorf("%w: %s", ErrInvalidTransition, tr)
	}
	m.state = to
	return tr, nil
}
