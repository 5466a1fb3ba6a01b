// Package supervisor composes the state machine, the loop scheduler and the
// safety monitor, and exposes the setup and run paths of every operating
// mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
	"github.com/roman-kulish/flight-supervisor/internal/safety"
	"github.com/roman-kulish/flight-supervisor/internal/scheduler"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

var (
	// ErrAlreadySetup is returned when a second setup path is attempted
	ErrAlreadySetup = errors.New("supervisor is already set up")

	// ErrNotSetup is returned by Run before any setup path succeeded
	ErrNotSetup = errors.New("supervisor is not set up")
)

// Peripherals are the collaborators owned by the supervisor. Receiver and
// Telemetry are optional in the test modes that do not use them.
type Peripherals struct {
	Sensor     peripheral.Sensor
	Receiver   peripheral.Receiver
	Stabilizer peripheral.Stabilizer
	Actuator   peripheral.Actuator
	Telemetry  telemetry.Sink
}

// WithLogger sets the logger for the supervisor and the components it creates
func WithLogger(logger *slog.Logger) func(*Supervisor) {
	return func(s *Supervisor) {
		s.baseLogger = logger
		s.logger = logger.With(slog.String("component", "supervisor"))
	}
}

// WithConfig sets the supervisor configuration
func WithConfig(cfg Config) func(*Supervisor) {
	return func(s *Supervisor) {
		s.cfg = cfg
	}
}

// WithClock sets the time source used for ticking and timestamps
func WithClock(clock func() time.Time) func(*Supervisor) {
	return func(s *Supervisor) {
		s.clock = clock
	}
}

// WithChecks replaces the default pre-flight checks
func WithChecks(checks ...Check) func(*Supervisor) {
	return func(s *Supervisor) {
		s.checks = checks
	}
}

// Supervisor owns the vehicle state and drives the control loops. Setup, Tick
// and Run belong to a single goroutine; Disarm and Shutdown may be called
// from any goroutine.
type Supervisor struct {
	p       Peripherals
	cfg     Config
	checks  []Check
	clock   func() time.Time
	machine *vehicle.Machine

	mode      Mode
	scheduler *scheduler.Scheduler
	monitor   *safety.Monitor

	loop loopState

	baseLogger *slog.Logger
	logger     *slog.Logger
}

// New creates a supervisor with the vehicle in NotReadyToFly
func New(p Peripherals, options ...func(*Supervisor)) (*Supervisor, error) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := Supervisor{
		p:          p,
		cfg:        DefaultConfig(),
		clock:      time.Now,
		baseLogger: discard,
		logger:     discard,
	}

	for _, option := range options {
		option(&s)
	}

	if p.Actuator == nil {
		return nil, errors.New("actuator is required")
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s.machine = vehicle.NewMachine(vehicle.WithLogger(s.baseLogger), vehicle.WithClock(s.clock))
	s.machine.OnTransition(func(c vehicle.Change) {
		s.event(telemetry.Event{
			Timestamp: c.At,
			Kind:      telemetry.EventTransition,
			From:      c.From.String(),
			To:        c.To.String(),
		})
	})

	return &s, nil
}

// Machine returns the vehicle state machine
func (s *Supervisor) Machine() *vehicle.Machine {
	return s.machine
}

// Scheduler returns the loop scheduler, nil before setup
func (s *Supervisor) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Mode returns the mode selected by setup
func (s *Supervisor) Mode() Mode {
	return s.mode
}

// SetupFlight prepares normal flight. It ends in ReadyToFly once every
// pre-flight check passed; a failed check leaves the vehicle in NotReadyToFly
// and returns a *PreFlightError.
func (s *Supervisor) SetupFlight(ctx context.Context) error {
	if err := s.requirePeripherals(ModeFlight, true, true, true); err != nil {
		return err
	}

	loops := []scheduler.Loop{
		{ID: scheduler.LoopRadio, Stage: scheduler.StageInput, Period: s.cfg.Periods.Radio, Run: s.radioFlight},
		{ID: scheduler.LoopFast, Stage: scheduler.StageCompute, Period: s.cfg.Periods.Fast, Run: s.compute},
		{ID: scheduler.LoopMotor, Stage: scheduler.StageActuate, Period: s.cfg.Periods.Motor, Run: s.motor},
		{ID: scheduler.LoopLog, Stage: scheduler.StageTelemetry, Period: s.cfg.Periods.Log, Run: s.log},
	}
	if err := s.setup(ctx, ModeFlight, loops, true); err != nil {
		return err
	}

	return s.preFlight(ctx, s.checksFor(ModeFlight))
}

// SetupOneDof prepares the single axis test rig. It ends in OneDofTestReady,
// where the rig is live while the arm switch is engaged.
func (s *Supervisor) SetupOneDof(ctx context.Context) error {
	if err := s.requirePeripherals(ModeOneDof, true, true, true); err != nil {
		return err
	}

	loops := []scheduler.Loop{
		{ID: scheduler.LoopRadio, Stage: scheduler.StageInput, Period: s.cfg.Periods.Radio, Run: s.radioOneDof},
		{ID: scheduler.LoopFast, Stage: scheduler.StageCompute, Period: s.cfg.Periods.Fast, Run: s.compute},
		{ID: scheduler.LoopMotor, Stage: scheduler.StageActuate, Period: s.cfg.Periods.Motor, Run: s.motor},
		{ID: scheduler.LoopLog, Stage: scheduler.StageTelemetry, Period: s.cfg.Periods.Log, Run: s.log},
	}
	if err := s.setup(ctx, ModeOneDof, loops, true); err != nil {
		return err
	}

	if err := s.preFlight(ctx, s.checksFor(ModeOneDof)); err != nil {
		return err
	}
	return s.enterOneDof(s.clock())
}

// SetupSensorTest prepares the sensor-only test. The vehicle stays in
// NotReadyToFly, so no actuation is possible.
func (s *Supervisor) SetupSensorTest(ctx context.Context) error {
	if err := s.requirePeripherals(ModeSensorTest, true, false, false); err != nil {
		return err
	}

	loops := []scheduler.Loop{
		{ID: scheduler.LoopSensorTestUpdate, Stage: scheduler.StageInput, Period: s.cfg.Periods.SensorTestUpdate, Run: s.sensorTestUpdate},
		{ID: scheduler.LoopSensorTestLog, Stage: scheduler.StageTelemetry, Period: s.cfg.Periods.SensorTestLog, Run: s.sensorTestLog},
	}
	return s.setup(ctx, ModeSensorTest, loops, s.p.Receiver != nil)
}

// SetupActuatorTest prepares the actuator bench test. Launching the test is
// the operator's arming authority: it ends in Armed and never reaches Flying.
// The test runs without a radio, so the monitor does not poll the receiver.
func (s *Supervisor) SetupActuatorTest(ctx context.Context) error {
	loops := []scheduler.Loop{
		{ID: scheduler.LoopActuatorTest, Stage: scheduler.StageActuate, Period: s.cfg.Periods.ActuatorTest, Run: s.actuatorTest},
		{ID: scheduler.LoopLog, Stage: scheduler.StageTelemetry, Period: s.cfg.Periods.Log, Run: s.log},
	}
	if err := s.setup(ctx, ModeActuatorTest, loops, false); err != nil {
		return err
	}

	if err := s.preFlight(ctx, s.checksFor(ModeActuatorTest)); err != nil {
		return err
	}
	if _, err := s.machine.Transition(vehicle.Armed); err != nil {
		return fmt.Errorf("arming for actuator test: %w", err)
	}
	return nil
}

// Tick runs a single scheduler tick at now and returns the loops that fired
func (s *Supervisor) Tick(ctx context.Context, now time.Time) []scheduler.LoopID {
	s.loop.ticks++
	return s.scheduler.Tick(ctx, now)
}

// Run ticks the scheduler until the vehicle reaches Exiting or ctx is done.
// Between ticks it sleeps until the next loop is due, but never longer than
// the configured resolution.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return ErrNotSetup
	}

	s.logger.Info("run started", slog.String("mode", string(s.mode)))

	timer := time.NewTimer(s.cfg.Resolution)
	defer timer.Stop()

	for {
		if s.machine.Current() == vehicle.Exiting {
			s.logger.Info("run finished", slog.String("mode", string(s.mode)))
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.Info("run cancelled", slog.String("mode", string(s.mode)))
			return nil
		default:
		}

		s.Tick(ctx, s.clock())

		now := s.clock()
		wait := min(s.scheduler.NextDue(now).Sub(now), s.cfg.Resolution)
		if wait <= 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// Disarm forces a disarm on behalf of the operator
func (s *Supervisor) Disarm(detail string) {
	if s.monitor == nil {
		if err := s.p.Actuator.WriteZero(); err != nil {
			s.logger.Error(fmt.Sprintf("zeroing actuators: %s", err.Error()))
		}
		return
	}
	s.monitor.Disarm(detail)
}

// Shutdown moves the vehicle to Exiting, stops the safety monitor and zeroes
// the actuators. It is safe to call more than once.
func (s *Supervisor) Shutdown() error {
	if _, err := s.machine.Transition(vehicle.Exiting); err != nil {
		return fmt.Errorf("entering %s: %w", vehicle.Exiting, err)
	}

	if s.monitor != nil {
		s.monitor.Stop()
	}

	var err error
	if zeroErr := s.p.Actuator.WriteZero(); zeroErr != nil {
		err = fmt.Errorf("zeroing actuators: %w", zeroErr)
	}

	if s.scheduler != nil {
		summary := s.Summary()
		s.logger.Info("session summary", summary.Attrs()...)
	}

	return err
}

// ReportFault implements scheduler.FaultReporter. Faults are logged as
// events and forwarded to the safety monitor.
func (s *Supervisor) ReportFault(f *scheduler.LoopFault) {
	s.event(telemetry.Event{
		Kind:   telemetry.EventFault,
		Reason: string(f.Loop),
		Detail: f.Error(),
	})
	s.monitor.ReportFault(f)
}

func (s *Supervisor) setup(ctx context.Context, mode Mode, loops []scheduler.Loop, pollReceiver bool) error {
	if s.mode != "" {
		return fmt.Errorf("%w for %s", ErrAlreadySetup, s.mode)
	}

	sched := scheduler.New(scheduler.WithLogger(s.baseLogger), scheduler.WithFaultReporter(s))
	for _, l := range loops {
		if err := sched.Register(l); err != nil {
			return fmt.Errorf("registering loop: %w", err)
		}
	}

	options := []func(*safety.Monitor){
		safety.WithLogger(s.baseLogger),
		safety.WithClock(s.clock),
		safety.WithPollInterval(s.cfg.Safety.PollInterval),
		safety.WithLinkTimeout(s.cfg.Safety.LinkTimeout),
		safety.WithFaultThreshold(s.cfg.Safety.FaultThreshold),
	}
	if pollReceiver {
		options = append(options, safety.WithReceiver(s.p.Receiver))
	}

	monitor := safety.New(s.machine, s.p.Actuator, options...)
	monitor.OnTrigger(func(t safety.Trigger) {
		s.event(telemetry.Event{
			Timestamp: t.At,
			Kind:      telemetry.EventSafety,
			From:      t.State.String(),
			Reason:    string(t.Reason),
			Detail:    t.Detail,
		})
	})
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting safety monitor: %w", err)
	}

	s.mode = mode
	s.scheduler = sched
	s.monitor = monitor
	s.loop.startedAt = s.clock()

	s.logger.Info("setup complete", slog.String("mode", string(mode)), slog.Any("loops", sched.Loops()))
	return nil
}

func (s *Supervisor) checksFor(mode Mode) []Check {
	if s.checks != nil {
		return s.checks
	}
	return s.defaultChecks(mode)
}

func (s *Supervisor) requirePeripherals(mode Mode, sensor, receiver, stabilizer bool) error {
	var errs []error
	if sensor && s.p.Sensor == nil {
		errs = append(errs, errors.New("sensor is required"))
	}
	if receiver && s.p.Receiver == nil {
		errs = append(errs, errors.New("receiver is required"))
	}
	if stabilizer && s.p.Stabilizer == nil {
		errs = append(errs, errors.New("stabilizer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s setup: %w", mode, err)
	}
	return nil
}

func (s *Supervisor) event(e telemetry.Event) {
	es, ok := s.p.Telemetry.(telemetry.EventSink)
	if !ok {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}
	if err := es.AppendEvent(e); err != nil {
		s.logger.Debug("telemetry event dropped", slog.String("error", err.Error()))
	}
}
