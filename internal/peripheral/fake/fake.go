// Package fake provides host-side peripheral stubs with injected inputs and
// recorded outputs.
package fake

import (
	"sync"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock starting at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Sensor returns whatever orientation was last set
type Sensor struct {
	mu  sync.Mutex
	o   peripheral.Orientation
	err error
}

func (s *Sensor) Set(o peripheral.Orientation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o = o
	s.err = nil
}

func (s *Sensor) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sensor) Sample() (peripheral.Orientation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.o, s.err
}

// Receiver returns whatever stick input and link quality were last set
type Receiver struct {
	mu   sync.Mutex
	in   peripheral.StickInput
	link peripheral.LinkQuality
	err  error
}

func (r *Receiver) Set(in peripheral.StickInput, link peripheral.LinkQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in = in
	r.link = link
	r.err = nil
}

// SetInput replaces the stick input and marks a fresh frame at t
func (r *Receiver) SetInput(in peripheral.StickInput, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in = in
	r.link.LastFrame = t
	r.link.Frames++
}

func (r *Receiver) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Receiver) Sample() (peripheral.StickInput, peripheral.LinkQuality, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.in, r.link, r.err
}

// Stabilizer returns a fixed command, or the result of Fn when set
type Stabilizer struct {
	mu      sync.Mutex
	Command peripheral.ActuatorCommand
	Fn      func(o peripheral.Orientation, in peripheral.StickInput, mode peripheral.FlightMode, elapsed time.Duration) (peripheral.ActuatorCommand, error)

	calls  int
	resets int
	last   time.Duration
}

func (s *Stabilizer) Compute(o peripheral.Orientation, in peripheral.StickInput, mode peripheral.FlightMode, elapsed time.Duration) (peripheral.ActuatorCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.last = elapsed
	if s.Fn != nil {
		return s.Fn(o, in, mode, elapsed)
	}
	return s.Command, nil
}

func (s *Stabilizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Calls returns the number of Compute calls and the last elapsed value
func (s *Stabilizer) Calls() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.last
}

// Resets returns the number of Reset calls
func (s *Stabilizer) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Write is a single recorded actuator output
type Write struct {
	Command peripheral.ActuatorCommand
	Zero    bool          // Written through WriteZero
	State   vehicle.State // Vehicle state observed during the write
	At      time.Time
}

// Actuator records every write together with the vehicle state observed at
// the time of the write.
type Actuator struct {
	mu     sync.Mutex
	writes []Write

	// State, when set, is sampled during every write
	State func() vehicle.State

	// OnWrite, when set, is called before every Write is recorded
	OnWrite func(cmd peripheral.ActuatorCommand)

	// OnZero, when set, is called after every WriteZero
	OnZero func()

	// Err is returned from Write when set
	Err error
}

func (a *Actuator) Write(cmd peripheral.ActuatorCommand) error {
	if a.OnWrite != nil {
		a.OnWrite(cmd)
	}
	a.record(Write{Command: cmd})
	return a.Err
}

func (a *Actuator) WriteZero() error {
	a.record(Write{Zero: true})
	if a.OnZero != nil {
		a.OnZero()
	}
	return nil
}

func (a *Actuator) record(w Write) {
	if a.State != nil {
		w.State = a.State()
	}
	w.At = time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, w)
}

// Writes returns a copy of the recorded writes
func (a *Actuator) Writes() []Write {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Write(nil), a.writes...)
}

// Last returns the most recent write
func (a *Actuator) Last() (Write, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.writes) == 0 {
		return Write{}, false
	}
	return a.writes[len(a.writes)-1], true
}
