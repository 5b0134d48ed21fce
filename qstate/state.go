// Package qstate enforces the lifecycle phases of a trigger server and of
// each connection it serves.
package qstate

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

type State interface {
	comparable
	fmt.Stringer
}

// Transition is one allowed move between states.
type Transition[S State] struct {
	From S
	To   S
	Name string
}

// TransitionError reports a move the table does not allow.
type TransitionError[S State] struct {
	From, To S
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError[S]) Is(target error) bool { return target == ErrInvalidTransition }

type edge[S State] struct {
	From, To S
}

// Table is an immutable set of transitions shared by many machines.
type Table[S State] struct {
	allowed map[edge[S]]string
}

// NewTable builds a table from transitions.
func NewTable[S State](transitions ...Transition[S]) *Table[S] {
	t := &Table[S]{allowed: make(map[edge[S]]string, len(transitions))}
	for _, tr := range transitions {
		t.allowed[edge[S]{tr.From, tr.To}] = tr.Name
	}
	return t
}

// Allowed reports whether from -> to is a transition, and its name.
func (t *Table[S]) Allowed(from, to S) (string, bool) {
	name, ok := t.allowed[edge[S]{from, to}]
	return name, ok
}

// Machine is the current state of one object, moved only along its table.
type Machine[S State] struct {
	table    *Table[S]
	onChange func(from, to S, name string)

	mu      sync.Mutex
	current S
}

// Machine starts a new machine at initial. onChange, if set, is called with
// the lock held after each move.
func (t *Table[S]) Machine(initial S, onChange func(from, to S, name string)) *Machine[S] {
	return &Machine[S]{table: t, current: initial, onChange: onChange}
}

// To moves the machine to state to.
func (m *Machine[S]) To(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	name, ok := m.table.Allowed(from, to)
	if !ok {
		return &TransitionError[S]{From: from, To: to}
	}
	m.current = to
	if m.onChange != nil {
		m.onChange(from, to, name)
	}
	return nil
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
