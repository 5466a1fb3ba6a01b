package vehicle

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Change describes a completed state transition.
type Change struct {
	From State
	To   State
	At   time.Time
}

// WithLogger sets the logger for the state machine
func WithLogger(logger *slog.Logger) func(*Machine) {
	return func(m *Machine) {
		m.logger = logger.With(slog.String("component", "vehicle"))
	}
}

// WithClock sets the time source used to stamp transitions
func WithClock(clock func() time.Time) func(*Machine) {
	return func(m *Machine) {
		m.clock = clock
	}
}

// Machine is the process-wide holder of the vehicle state. It is shared
// between the scheduler and the safety monitor; all access goes through its
// methods.
type Machine struct {
	mu    sync.Mutex    // Serialises state changes
	state atomic.Uint32 // Written under mu, read without it
	since time.Time

	// Actuate holds gate for reading while it writes to the hardware
	gate sync.RWMutex

	listenersMu sync.Mutex
	listeners   []func(Change)

	clock  func() time.Time
	logger *slog.Logger
}

// NewMachine creates a state machine in the NotReadyToFly state
func NewMachine(options ...func(*Machine)) *Machine {
	m := Machine{
		clock:  time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&m)
	}

	m.state.Store(uint32(NotReadyToFly))
	m.since = m.clock()
	return &m
}

// Current returns the current state. It never blocks, so it is safe to call
// from within an Actuate callback.
func (m *Machine) Current() State {
	return State(m.state.Load())
}

// Since returns the time the current state was entered
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// OnTransition registers a listener called after every state change. Listeners
// run on the goroutine that requested the transition, outside the state lock.
// No-op transitions (Disarmed -> Disarmed) are not reported.
func (m *Machine) OnTransition(fn func(Change)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Transition moves the machine to the requested state. An illegal request
// leaves the state unchanged and returns an *IllegalTransitionError.
//
// Leaving an actuating state waits for an in-flight Actuate call to finish,
// so no write reaches the hardware once Transition returns.
func (m *Machine) Transition(to State) (State, error) {
	change, err := m.apply(to)
	if err != nil || change == nil {
		return m.result(change, err)
	}

	if change.From.PermitsActuation() {
		m.Settle()
	}

	m.notify(*change)
	return change.To, nil
}

// TransitionNow is Transition without waiting for an in-flight Actuate call.
// The new state is visible immediately and no new actuation starts, but a
// write already in progress may still complete; callers that need the
// hardware to end at a known output must follow up once Settle returns.
func (m *Machine) TransitionNow(to State) (State, error) {
	change, err := m.apply(to)
	if err != nil || change == nil {
		return m.result(change, err)
	}

	m.notify(*change)
	return change.To, nil
}

// Settle blocks until no Actuate call is in progress
func (m *Machine) Settle() {
	m.gate.Lock()
	defer m.gate.Unlock()
}

// Actuating reports whether an Actuate call is in progress
func (m *Machine) Actuating() bool {
	if !m.gate.TryLock() {
		return true
	}
	m.gate.Unlock()
	return false
}

// Actuate runs fn, but only if the current state permits actuation.
// Otherwise fn is not called and ErrActuationInhibited is returned. fn must
// be a short, bounded hardware write: Transition out of the actuating state
// waits for it.
func (m *Machine) Actuate(fn func(State) error) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	// Read under gate: a state stored after this point is caught by Settle
	state := m.Current()
	if !state.PermitsActuation() {
		return ErrActuationInhibited
	}
	return fn(state)
}

// apply stores the next state. A nil change means the request was a no-op.
func (m *Machine) apply(to State) (*Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Current()
	next, err := Transition(from, to)
	if err != nil {
		m.logger.Warn("transition rejected",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return &Change{From: from, To: from}, err
	}
	if next == from {
		return nil, nil
	}

	change := Change{From: from, To: next, At: m.clock()}
	m.state.Store(uint32(next))
	m.since = change.At
	return &change, nil
}

func (m *Machine) result(change *Change, err error) (State, error) {
	if change != nil {
		return change.From, err
	}
	return m.Current(), err
}

func (m *Machine) notify(change Change) {
	m.logger.Info("state changed",
		slog.String("from", change.From.String()),
		slog.String("to", change.To.String()))

	m.listenersMu.Lock()
	listeners := make([]func(Change), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}
