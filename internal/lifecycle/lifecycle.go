// Package lifecycle enforces the two-phase bot construction protocol and
// the deferred event queue. A bot is only visible to the world at READY
// and only processes events live at ACTIVE.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the discrete phase of a bot's construction or destruction.
// Transitions are strictly forward; any non-terminal state may fall to
// FAILED.
type State uint8

const (
	Created State = iota
	LoadingDB
	InitializingManagers
	Ready
	Active
	Removing
	Destroyed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case LoadingDB:
		return "LOADING_DB"
	case InitializingManagers:
		return "INITIALIZING_MANAGERS"
	case Ready:
		return "READY"
	case Active:
		return "ACTIVE"
	case Removing:
		return "REMOVING"
	case Destroyed:
		return "DESTROYED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool { return s == Destroyed || s == Failed }

// ErrIllegalTransition is wrapped into every rejected transition error.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// legalNext enumerates the forward edges of the state graph.
var legalNext = map[State]State{
	Created:              LoadingDB,
	LoadingDB:            InitializingManagers,
	InitializingManagers: Ready,
	Ready:                Active,
	Active:               Removing,
	Removing:             Destroyed,
}

// EventKind classifies a deferred gameplay event.
type EventKind uint8

const (
	EventGroupJoin EventKind = iota
	EventGroupLeave
	EventCombat
	EventDeath
	EventCast
	EventAura
	EventTarget
	EventPosition
	EventCustom
)

func (k EventKind) String() string {
	names := [...]string{"GroupJoin", "GroupLeave", "Combat", "Death", "Cast", "Aura", "Target", "Position", "Custom"}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Event is a gameplay event that arrived before the bot was ready for it.
type Event struct {
	Kind     EventKind
	Payload  any
	Callback func() // Custom events carry their own action
}

// Manager owns one bot's lifecycle state and deferred event queue. The
// factory is the only legal producer of Managers.
type Manager struct {
	guid uuid.UUID

	mu       sync.Mutex
	state    State
	deferred []Event
	draining bool
	handler  func(Event)
	failure  error
}

// GUID returns the bot's stable identity.
func (m *Manager) GUID() uuid.UUID { return m.guid }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FailureCause returns the error that moved the bot to FAILED, if any.
func (m *Manager) FailureCause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// SetEventHandler installs the live event handler invoked on drain and on
// events arriving at ACTIVE.
func (m *Manager) SetEventHandler(h func(Event)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Transition advances to the next state. The only legal moves are the
// single forward edge and the fall to FAILED from any non-terminal state.
func (m *Manager) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Manager) transitionLocked(to State) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal (bot %s)", ErrIllegalTransition, m.state, m.guid)
	}
	if to == Failed {
		m.state = Failed
		return nil
	}
	if next, ok := legalNext[m.state]; !ok || next != to {
		return fmt.Errorf("%w: %s -> %s (bot %s)", ErrIllegalTransition, m.state, to, m.guid)
	}
	m.state = to
	return nil
}

// Fail moves the bot to FAILED with a cause. No-op on terminal states.
func (m *Manager) Fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.state = Failed
	m.failure = cause
}

// Deliver hands an event to the bot. Below ACTIVE it is queued in FIFO
// order; at ACTIVE it is handled immediately; past ACTIVE it is dropped.
func (m *Manager) Deliver(ev Event) {
	m.mu.Lock()
	if m.state < Active || m.draining {
		m.deferred = append(m.deferred, ev)
		m.mu.Unlock()
		return
	}
	h := m.handler
	st := m.state
	m.mu.Unlock()

	if st == Active {
		m.handle(h, ev)
	}
}

// PendingEvents returns the number of queued deferred events.
func (m *Manager) PendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}

// MarkActive transitions READY→ACTIVE and drains the deferred queue in
// insertion order. Events delivered while the drain runs are appended and
// drained in the same pass, so the queue is empty when this returns.
func (m *Manager) MarkActive() error {
	m.mu.Lock()
	if err := m.transitionLocked(Active); err != nil {
		m.mu.Unlock()
		return err
	}
	m.draining = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.deferred) == 0 {
			m.draining = false
			m.mu.Unlock()
			return nil
		}
		ev := m.deferred[0]
		m.deferred = m.deferred[1:]
		h := m.handler
		m.mu.Unlock()

		m.handle(h, ev)
	}
}

func (m *Manager) handle(h func(Event), ev Event) {
	if ev.Kind == EventCustom && ev.Callback != nil {
		ev.Callback()
		return
	}
	if h != nil {
		h(ev)
	}
}

// Guard is a handle proving the bot's player data is safe to touch. Only
// obtainable at READY or ACTIVE.
type Guard struct {
	guid uuid.UUID
}

// GUID returns the guarded bot's identity.
func (g *Guard) GUID() uuid.UUID { return g.guid }

// TryGuard returns a valid guard iff the bot is READY or ACTIVE. All
// player-data access outside event handlers goes through a guard.
func (m *Manager) TryGuard() (*Guard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready && m.state != Active {
		return nil, false
	}
	return &Guard{guid: m.guid}, true
}
