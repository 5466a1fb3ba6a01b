package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
	"github.com/roman-kulish/flight-supervisor/internal/safety"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

const noteSensorTest = "sensor-test"

// loopState is shared between loops and owned by the run loop goroutine
type loopState struct {
	input       peripheral.StickInput
	link        peripheral.LinkQuality
	orientation peripheral.Orientation
	command     peripheral.ActuatorCommand
	elapsed     time.Duration // Last elapsed time fed to the stabilizer
	note        string

	armReleased bool // Arm switch seen released since the last arming

	testStart time.Time
	testDone  bool

	startedAt       time.Time
	ticks           uint64
	writes          uint64
	computeErrors   uint64
	telemetryErrors uint64
	resets          uint64
	samples         uint64
}

// radioFlight samples the receiver and drives arming in flight mode
func (s *Supervisor) radioFlight(_ context.Context, now time.Time, _ time.Duration) error {
	in, ok, err := s.sampleReceiver()
	if !ok {
		return err
	}
	if !in.Arm {
		s.loop.armReleased = true
	}

	switch s.machine.Current() {
	case vehicle.ReadyToFly:
		if in.Arm && s.loop.armReleased && in.Throttle <= s.cfg.LowThrottle {
			s.loop.armReleased = false
			s.resetStabilizer()
			return s.transition(vehicle.Armed)
		}

	case vehicle.Armed:
		if !in.Arm {
			s.armSwitchReleased()
			return nil
		}
		if in.Throttle >= s.cfg.TakeoffThrottle {
			return s.takeOff(now)
		}

	case vehicle.Flying:
		if !in.Arm {
			s.armSwitchReleased()
		}

	case vehicle.Disarmed:
		if !in.Arm && in.Throttle <= s.cfg.LowThrottle {
			return s.transition(vehicle.ReadyToFly)
		}
	}

	return nil
}

// radioOneDof samples the receiver on the test rig. The rig is live while
// the arm switch is engaged; engaging it again with the throttle low after a
// disarm brings the rig back.
func (s *Supervisor) radioOneDof(_ context.Context, now time.Time, _ time.Duration) error {
	in, ok, err := s.sampleReceiver()
	if !ok {
		return err
	}
	if !in.Arm {
		s.loop.armReleased = true
	}

	switch s.machine.Current() {
	case vehicle.OneDofTestReady:
		if !in.Arm {
			s.armSwitchReleased()
		}

	case vehicle.Disarmed:
		if in.Arm && s.loop.armReleased && in.Throttle <= s.cfg.LowThrottle {
			s.loop.armReleased = false
			if err = s.transition(vehicle.ReadyToFly); err != nil {
				return err
			}
			return s.enterOneDof(now)
		}
	}

	return nil
}

// compute runs the stabilizer with the true elapsed time since the previous
// computation. On failure the previous command is held.
func (s *Supervisor) compute(_ context.Context, now time.Time, elapsed time.Duration) error {
	o, err := s.p.Sensor.Sample()

	if !s.machine.Current().PermitsActuation() {
		if err == nil {
			s.loop.orientation = o
		}
		s.loop.command = peripheral.ActuatorCommand{}
		return nil
	}

	if err != nil {
		return fmt.Errorf("sampling sensor: %w", err)
	}
	s.loop.orientation = o

	if age := now.Sub(o.Timestamp); age > s.cfg.SensorTimeout {
		return fmt.Errorf("orientation is %s old", age)
	}

	cmd, err := s.p.Stabilizer.Compute(o, s.loop.input, s.flightMode(), elapsed)
	if err != nil {
		s.loop.computeErrors++
		return fmt.Errorf("computing command: %w", err)
	}

	s.loop.command = cmd
	s.loop.elapsed = elapsed
	return nil
}

// motor writes the latest command while the state permits actuation
func (s *Supervisor) motor(context.Context, time.Time, time.Duration) error {
	return s.write(s.loop.command)
}

func (s *Supervisor) log(_ context.Context, now time.Time, _ time.Duration) error {
	s.record(now)
	return nil
}

func (s *Supervisor) sensorTestUpdate(context.Context, time.Time, time.Duration) error {
	if s.p.Receiver != nil {
		if _, _, err := s.sampleReceiver(); err != nil {
			return err
		}
	}

	o, err := s.p.Sensor.Sample()
	if errors.Is(err, peripheral.ErrNoSample) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sampling sensor: %w", err)
	}

	s.loop.orientation = o
	s.loop.samples++
	return nil
}

func (s *Supervisor) sensorTestLog(_ context.Context, now time.Time, _ time.Duration) error {
	o := s.loop.orientation
	s.logger.Info("orientation",
		slog.String("roll", fmt.Sprintf("%.1f°", degrees(o.Roll))),
		slog.String("pitch", fmt.Sprintf("%.1f°", degrees(o.Pitch))),
		slog.String("yaw", fmt.Sprintf("%.1f°", degrees(o.Yaw))),
		slog.Uint64("samples", s.loop.samples))

	s.loop.note = noteSensorTest
	s.record(now)
	return nil
}

// actuatorTest runs each motor in turn, then all together, then ends the
// session.
func (s *Supervisor) actuatorTest(_ context.Context, now time.Time, _ time.Duration) error {
	if s.loop.testDone {
		return nil
	}
	if s.loop.testStart.IsZero() {
		s.loop.testStart = now
	}

	var cmd peripheral.ActuatorCommand
	step := int(now.Sub(s.loop.testStart) / s.cfg.ActuatorTest.Step)

	switch {
	case step < peripheral.NumMotors:
		cmd.Motors[step] = s.cfg.ActuatorTest.Level
		s.loop.note = fmt.Sprintf("motor %d", step+1)

	case step == peripheral.NumMotors:
		for i := range cmd.Motors {
			cmd.Motors[i] = s.cfg.ActuatorTest.Level
		}
		s.loop.note = "all motors"

	default:
		return s.finishActuatorTest()
	}

	s.loop.command = cmd
	return s.write(cmd)
}

func (s *Supervisor) finishActuatorTest() error {
	s.loop.testDone = true
	s.loop.command = peripheral.ActuatorCommand{}
	s.loop.note = "complete"
	s.logger.Info("actuator test complete")

	err := s.transition(vehicle.Disarmed)
	if zeroErr := s.p.Actuator.WriteZero(); zeroErr != nil {
		err = errors.Join(err, fmt.Errorf("zeroing actuators: %w", zeroErr))
	}
	return errors.Join(err, s.transition(vehicle.Exiting))
}

func (s *Supervisor) write(cmd peripheral.ActuatorCommand) error {
	err := s.machine.Actuate(func(vehicle.State) error {
		return s.p.Actuator.Write(cmd)
	})
	if errors.Is(err, vehicle.ErrActuationInhibited) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("writing actuators: %w", err)
	}
	s.loop.writes++

	// The safety monitor does not wait for a write in progress
	if !s.machine.Current().PermitsActuation() {
		if err = s.p.Actuator.WriteZero(); err != nil {
			return fmt.Errorf("zeroing actuators: %w", err)
		}
	}
	return nil
}

// sampleReceiver stores the latest pilot input. ok is false when there is no
// input to act on yet, or sampling failed.
func (s *Supervisor) sampleReceiver() (peripheral.StickInput, bool, error) {
	in, link, err := s.p.Receiver.Sample()
	s.loop.link = link

	if errors.Is(err, peripheral.ErrNoSample) {
		return in, false, nil
	}
	if err != nil {
		return in, false, fmt.Errorf("sampling receiver: %w", err)
	}

	s.loop.input = in
	return in, true, nil
}

// takeOff resets every loop baseline immediately before entering Flying, so
// flight timing starts clean however long the vehicle sat armed.
func (s *Supervisor) takeOff(now time.Time) error {
	s.scheduler.ResetAll(now)
	s.loop.resets++
	s.resetStabilizer()
	return s.transition(vehicle.Flying)
}

// enterOneDof is the rig's equivalent of takeOff
func (s *Supervisor) enterOneDof(now time.Time) error {
	s.scheduler.ResetAll(now)
	s.loop.resets++
	s.resetStabilizer()
	return s.transition(vehicle.OneDofTestReady)
}

func (s *Supervisor) armSwitchReleased() {
	s.monitor.Trigger(safety.Trigger{Reason: safety.ReasonArmSwitch, Detail: "arm switch released"})
}

// transition requests a state change. An illegal request, which happens when
// the safety monitor disarmed in between, is ignored.
func (s *Supervisor) transition(to vehicle.State) error {
	_, err := s.machine.Transition(to)
	if errors.Is(err, vehicle.ErrIllegalTransition) {
		s.logger.Warn(err.Error())
		return nil
	}
	return err
}

func (s *Supervisor) resetStabilizer() {
	if r, ok := s.p.Stabilizer.(peripheral.Resetter); ok {
		r.Reset()
	}
}

func (s *Supervisor) flightMode() peripheral.FlightMode {
	if s.mode == ModeOneDof {
		return peripheral.ModeOneDof
	}
	return s.loop.input.Mode
}

func (s *Supervisor) record(now time.Time) {
	if s.p.Telemetry == nil {
		return
	}

	o := s.loop.orientation
	in := s.loop.input

	r := telemetry.Record{
		Timestamp:  now,
		State:      s.machine.Current().String(),
		Mode:       s.flightMode().String(),
		Roll:       o.Roll,
		Pitch:      o.Pitch,
		Yaw:        o.Yaw,
		RollRate:   o.RollRate,
		PitchRate:  o.PitchRate,
		YawRate:    o.YawRate,
		StickRoll:  in.Roll,
		StickPitch: in.Pitch,
		StickYaw:   in.Yaw,
		Throttle:   in.Throttle,
		Motors:     s.loop.command.Motors,
		Elapsed:    s.loop.elapsed,
		Note:       s.loop.note,
	}
	if !o.Timestamp.IsZero() {
		r.SampleAge = now.Sub(o.Timestamp)
	}
	if !s.loop.link.LastFrame.IsZero() {
		r.LinkAge = s.loop.link.Age(now)
	}

	if err := s.p.Telemetry.Append(r); err != nil {
		s.loop.telemetryErrors++
		s.logger.Debug("telemetry record dropped", slog.String("error", err.Error()))
	}
}
