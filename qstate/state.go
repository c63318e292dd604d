// Package qstate enforces the lifecycle of store sessions: every state change
// must be one of a fixed set of named transitions.
package qstate

import (
	"fmt"
	"sync"
)

type State interface {
	comparable
	fmt.Stringer
}

// Transition is one permitted state change.
type Transition[S State] struct {
	From S
	To   S
	Name string // Logged on change, such as "open" or "close".
}

type edge[S State] struct {
	From, To S
}

// TransitionError reports a state change that is not permitted.
type TransitionError[S State] struct {
	From, To S
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Machine holds the current state and the permitted transitions.
type Machine[S State] struct {
	mu      sync.RWMutex
	current S

	allowed  map[edge[S]]string
	onChange func(from, to S, name string)
}

// New returns a machine in state initial. onChange, if not nil, is called
// after each transition with the machine unlocked.
func New[S State](initial S, transitions []Transition[S], onChange func(from, to S, name string)) *Machine[S] {
	m := &Machine[S]{
		current:  initial,
		allowed:  make(map[edge[S]]string, len(transitions)),
		onChange: onChange,
	}
	for _, t := range transitions {
		m.allowed[edge[S]{From: t.From, To: t.To}] = t.Name
	}
	return m
}

// Can reports whether the machine may move to state to.
func (m *Machine[S]) Can(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.allowed[edge[S]{From: m.current, To: to}]
	return ok
}

// To moves the machine to state to, or returns a *TransitionError.
func (m *Machine[S]) To(to S) error {
	m.mu.Lock()
	from := m.current
	name, ok := m.allowed[edge[S]{From: from, To: to}]
	if !ok {
		m.mu.Unlock()
		return &TransitionError[S]{From: from, To: to}
	}
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to, name)
	}
	return nil
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the current state is s.
func (m *Machine[S]) Is(s S) bool {
	return m.Current() == s
}
