package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

// ErrPreFlightFailed is matched by every *PreFlightError
var ErrPreFlightFailed = errors.New("pre-flight check failed")

// PreFlightError describes a failed pre-flight check
type PreFlightError struct {
	Check  string
	Reason error
}

func (e *PreFlightError) Error() string {
	return fmt.Sprintf("%s '%s': %s", ErrPreFlightFailed, e.Check, e.Reason)
}

func (e *PreFlightError) Is(target error) bool {
	return target == ErrPreFlightFailed
}

func (e *PreFlightError) Unwrap() error {
	return e.Reason
}

// Check is a single pre-flight check. Every check must pass before the
// vehicle may leave NotReadyToFly.
type Check interface {
	Name() string
	Run(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string {
	return c.name
}

func (c checkFunc) Run(ctx context.Context) error {
	return c.fn(ctx)
}

// NewCheck creates a check from a function
func NewCheck(name string, fn func(ctx context.Context) error) Check {
	return checkFunc{name: name, fn: fn}
}

// SensorFreshCheck passes when the orientation estimate is younger than maxAge
func SensorFreshCheck(sensor peripheral.Sensor, clock func() time.Time, maxAge time.Duration) Check {
	return NewCheck("sensor-fresh", func(context.Context) error {
		o, err := sensor.Sample()
		if err != nil {
			return err
		}
		if age := clock().Sub(o.Timestamp); age > maxAge {
			return fmt.Errorf("orientation is %s old", age)
		}
		return nil
	})
}

// SensorLevelCheck passes when roll and pitch are within tolerance radians
func SensorLevelCheck(sensor peripheral.Sensor, tolerance float64) Check {
	return NewCheck("sensor-level", func(context.Context) error {
		o, err := sensor.Sample()
		if err != nil {
			return err
		}
		if math.Abs(o.Roll) > tolerance || math.Abs(o.Pitch) > tolerance {
			return fmt.Errorf("vehicle is not level: roll %.1f°, pitch %.1f°", degrees(o.Roll), degrees(o.Pitch))
		}
		return nil
	})
}

// LinkCheck passes when a radio frame arrived within timeout
func LinkCheck(receiver peripheral.Receiver, clock func() time.Time, timeout time.Duration) Check {
	return NewCheck("radio-link", func(context.Context) error {
		_, link, err := receiver.Sample()
		if err != nil {
			return err
		}
		if age := link.Age(clock()); age > timeout {
			return fmt.Errorf("last frame %s ago", age)
		}
		return nil
	})
}

// SticksCheck passes when the throttle is low and, if requireDisarmed is
// set, the arm switch is released.
func SticksCheck(receiver peripheral.Receiver, lowThrottle float64, requireDisarmed bool) Check {
	return NewCheck("sticks", func(context.Context) error {
		in, _, err := receiver.Sample()
		if err != nil {
			return err
		}
		if in.Throttle > lowThrottle {
			return fmt.Errorf("throttle is not low: %.2f", in.Throttle)
		}
		if requireDisarmed && in.Arm {
			return errors.New("arm switch is engaged")
		}
		return nil
	})
}

// ActuatorCheck passes when the zero command can be written
func ActuatorCheck(actuator peripheral.Actuator) Check {
	return NewCheck("actuator-zero", func(context.Context) error {
		return actuator.WriteZero()
	})
}

// defaultChecks returns the checks for the given mode
func (s *Supervisor) defaultChecks(mode Mode) []Check {
	var checks []Check

	switch mode {
	case ModeFlight:
		checks = append(checks,
			SensorFreshCheck(s.p.Sensor, s.clock, s.cfg.SensorTimeout),
			SensorLevelCheck(s.p.Sensor, s.cfg.LevelTolerance),
			LinkCheck(s.p.Receiver, s.clock, s.cfg.Safety.LinkTimeout),
			SticksCheck(s.p.Receiver, s.cfg.LowThrottle, true))

	case ModeOneDof:
		// The rig beam rests on a stop and the arm switch keeps the rig live
		checks = append(checks,
			SensorFreshCheck(s.p.Sensor, s.clock, s.cfg.SensorTimeout),
			LinkCheck(s.p.Receiver, s.clock, s.cfg.Safety.LinkTimeout),
			SticksCheck(s.p.Receiver, s.cfg.LowThrottle, false))
	}

	return append(checks, ActuatorCheck(s.p.Actuator))
}

// preFlight runs every check, retrying the whole set until all pass in the
// same attempt or the pre-flight timeout expires, and moves the vehicle to
// ReadyToFly.
func (s *Supervisor) preFlight(ctx context.Context, checks []Check) error {
	var deadline time.Time
	if s.cfg.PreFlightTimeout > 0 {
		deadline = s.clock().Add(s.cfg.PreFlightTimeout)
	}

	for attempt := 1; ; attempt++ {
		var errs []error
		for _, c := range checks {
			if err := c.Run(ctx); err != nil {
				errs = append(errs, &PreFlightError{Check: c.Name(), Reason: err})
				continue
			}
			s.logger.Debug("pre-flight check passed", slog.String("check", c.Name()), slog.Int("attempt", attempt))
		}

		if len(errs) == 0 {
			s.logger.Info("pre-flight checks passed", slog.Int("checks", len(checks)), slog.Int("attempts", attempt))
			break
		}
		if deadline.IsZero() || s.clock().After(deadline) {
			err := errors.Join(errs...)
			s.event(telemetry.Event{Kind: telemetry.EventPreFlight, Reason: "failed", Detail: err.Error()})
			return err
		}

		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case <-time.After(s.cfg.PreFlightInterval):
		}
	}

	s.event(telemetry.Event{Kind: telemetry.EventPreFlight, Reason: "passed"})

	if _, err := s.machine.Transition(vehicle.ReadyToFly); err != nil {
		return fmt.Errorf("entering %s: %w", vehicle.ReadyToFly, err)
	}
	return nil
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
