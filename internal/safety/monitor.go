// Package safety implements the safety monitor: a goroutine with override
// authority over the scheduler that forces the vehicle into the disarmed
// state and commands zero actuator output when a disarm condition occurs.
package safety

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
	"github.com/roman-kulish/flight-supervisor/internal/scheduler"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

const (
	DefaultPollInterval   = 2 * time.Millisecond
	DefaultLinkTimeout    = 500 * time.Millisecond
	DefaultFaultThreshold = 3
)

const (
	ReasonOperator  Reason = "operator"
	ReasonArmSwitch Reason = "arm-switch"
	ReasonLinkLost  Reason = "link-lost"
	ReasonFault     Reason = "fault"
)

// Reason classifies a disarm trigger
type Reason string

// Trigger is a disarm request. Triggers are never suppressed: every trigger
// results in a zero actuator command and, when the vehicle is actuating, a
// transition to Disarmed.
type Trigger struct {
	Reason Reason
	Detail string
	At     time.Time
	State  vehicle.State // State observed when the trigger was handled
}

func (t Trigger) String() string {
	if t.Detail == "" {
		return string(t.Reason)
	}
	return fmt.Sprintf("%s: %s", t.Reason, t.Detail)
}

// WithLogger sets the logger for the monitor
func WithLogger(logger *slog.Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.logger = logger.With(slog.String("component", "safety"))
	}
}

// WithReceiver enables receiver polling: loss of link and arm switch release
func WithReceiver(r peripheral.Receiver) func(*Monitor) {
	return func(m *Monitor) {
		m.receiver = r
	}
}

// WithPollInterval sets how often the receiver is checked
func WithPollInterval(d time.Duration) func(*Monitor) {
	return func(m *Monitor) {
		m.pollInterval = d
	}
}

// WithLinkTimeout sets the maximum age of the last radio frame
func WithLinkTimeout(d time.Duration) func(*Monitor) {
	return func(m *Monitor) {
		m.linkTimeout = d
	}
}

// WithFaultThreshold sets the number of consecutive faults of a control
// loop that trigger a disarm.
func WithFaultThreshold(n int) func(*Monitor) {
	return func(m *Monitor) {
		m.faultThreshold = n
	}
}

// WithClock sets the time source used for link age checks
func WithClock(clock func() time.Time) func(*Monitor) {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// Monitor watches for disarm conditions independently of the scheduler. It
// only needs the state machine and the actuator, so a wedged control loop
// cannot keep it from cutting the motors.
type Monitor struct {
	machine  *vehicle.Machine
	actuator peripheral.Actuator
	receiver peripheral.Receiver

	pollInterval   time.Duration
	linkTimeout    time.Duration
	faultThreshold int
	clock          func() time.Time

	queueMu  sync.Mutex // Orders queueing against the shutdown drain
	triggers chan Trigger
	handleMu sync.Mutex

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	last      *Trigger
	count     uint64
	listeners []func(Trigger)

	logger *slog.Logger
}

// New creates a monitor with authority over machine and actuator
func New(machine *vehicle.Machine, actuator peripheral.Actuator, options ...func(*Monitor)) *Monitor {
	m := Monitor{
		machine:        machine,
		actuator:       actuator,
		pollInterval:   DefaultPollInterval,
		linkTimeout:    DefaultLinkTimeout,
		faultThreshold: DefaultFaultThreshold,
		clock:          time.Now,
		triggers:       make(chan Trigger, 16),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// Start runs the monitor goroutine until Stop is called or ctx is done
func (m *Monitor) Start(ctx context.Context) error {
	if m.pollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %s", m.pollInterval)
	}
	if !m.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("safety monitor is already running")
	}

	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run(ctx)

	return nil
}

// Stop cancels the monitor and waits for its goroutine to exit
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return // never started
	}

	m.cancel()
	m.wg.Wait()
}

// IsRunning returns true while the monitor goroutine is active
func (m *Monitor) IsRunning() bool {
	return m.isRunning.Load()
}

// Disarm requests a disarm on behalf of the operator or pilot
func (m *Monitor) Disarm(detail string) {
	m.Trigger(Trigger{Reason: ReasonOperator, Detail: detail})
}

// Trigger hands a disarm request to the monitor goroutine. When the monitor
// is not running, or its queue is full, the trigger is handled on the
// calling goroutine instead.
func (m *Monitor) Trigger(t Trigger) {
	if t.At.IsZero() {
		t.At = m.clock()
	}

	if m.enqueue(t) {
		return
	}
	m.handle(t)
}

func (m *Monitor) enqueue(t Trigger) bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	if !m.isRunning.Load() {
		return false
	}
	select {
	case m.triggers <- t:
		return true
	default:
		return false
	}
}

// ReportFault implements scheduler.FaultReporter. A control loop failing
// faultThreshold times in a row triggers a disarm; telemetry faults are only
// logged.
func (m *Monitor) ReportFault(f *scheduler.LoopFault) {
	if f.Stage == scheduler.StageTelemetry || f.Consecutive < m.faultThreshold {
		m.logger.Warn("loop fault reported", slog.String("fault", f.Error()))
		return
	}

	m.Trigger(Trigger{Reason: ReasonFault, Detail: f.Error()})
}

// OnTrigger registers a listener called after every handled trigger
func (m *Monitor) OnTrigger(fn func(Trigger)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// LastTrigger returns the most recently handled trigger
func (m *Monitor) LastTrigger() (Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Trigger{}, false
	}
	return *m.last, true
}

// Triggers returns the number of handled triggers
func (m *Monitor) Triggers() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("safety monitor started",
		slog.Duration("pollInterval", m.pollInterval),
		slog.Duration("linkTimeout", m.linkTimeout))

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case t := <-m.triggers:
			m.handle(t)

		case <-ticker.C:
			m.poll()

		case <-ctx.Done():
			// Triggers queued before cancellation are still honoured
			for _, t := range m.drain() {
				m.handle(t)
			}
			m.logger.Info("safety monitor stopped")
			return
		}
	}
}

// drain marks the monitor stopped and returns the queued triggers. Once it
// returns, Trigger handles requests on the calling goroutine.
func (m *Monitor) drain() []Trigger {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	m.isRunning.Store(false)

	var pending []Trigger
	for {
		select {
		case t := <-m.triggers:
			pending = append(pending, t)
		default:
			return pending
		}
	}
}

func (m *Monitor) poll() {
	if m.receiver == nil {
		return
	}

	state := m.machine.Current()
	if !state.PermitsActuation() {
		return
	}

	in, link, err := m.receiver.Sample()
	now := m.clock()

	if age := link.Age(now); age > m.linkTimeout {
		detail := fmt.Sprintf("no frame for %s", age)
		if link.LastFrame.IsZero() {
			detail = "no frame received"
		}
		m.handle(Trigger{Reason: ReasonLinkLost, Detail: detail, At: now})
		return
	}

	// The arm switch only has authority over pilot-armed states
	if err == nil && !in.Arm && (state == vehicle.Armed || state == vehicle.Flying) {
		m.handle(Trigger{Reason: ReasonArmSwitch, Detail: "arm switch released", At: now})
	}
}

// handle never waits for the control loops: outputs are zeroed before the
// state is touched, and the state change does not wait for a write in
// progress. Such a write is followed by another zero command once it ends.
func (m *Monitor) handle(t Trigger) {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	m.zero()

	t.State = m.machine.Current()
	if t.State.PermitsActuation() {
		if _, err := m.machine.TransitionNow(vehicle.Disarmed); err != nil {
			m.logger.Error(fmt.Sprintf("forcing disarm: %s", err.Error()))
		}
	}

	// Checked before zeroing again: a write ending in between is overwritten
	inFlight := m.machine.Actuating()
	m.zero()
	if inFlight {
		m.logger.Warn("actuator write in progress during disarm")
		go m.zeroWhenSettled()
	}

	m.logger.Warn("safety trigger handled",
		slog.String("reason", string(t.Reason)),
		slog.String("detail", t.Detail),
		slog.String("state", t.State.String()))

	m.mu.Lock()
	m.last = &t
	m.count++
	listeners := make([]func(Trigger), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

func (m *Monitor) zero() {
	if err := m.actuator.WriteZero(); err != nil {
		m.logger.Error(fmt.Sprintf("zeroing actuators: %s", err.Error()))
	}
}

func (m *Monitor) zeroWhenSettled() {
	m.machine.Settle()
	m.zero()
	m.logger.Info("actuator write finished, outputs zeroed")
}
