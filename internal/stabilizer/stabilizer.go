// Package stabilizer turns an attitude estimate and pilot input into motor
// commands using cascaded PID controllers and a quad-X mixer.
package stabilizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.einride.tech/pid"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

// Motor positions in ActuatorCommand.Motors. Front-left and rear-right spin
// clockwise.
const (
	FrontLeft = iota
	FrontRight
	RearRight
	RearLeft
)

// One-DOF rig outputs: a single beam pivoting on the roll axis
const (
	RigLeft  = 0
	RigRight = 1
)

var (
	ErrInvalidInterval = errors.New("invalid sampling interval")
	ErrInvalidInput    = errors.New("invalid stabilizer input")
)

// Gains configures a single PID controller
type Gains struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

func (g Gains) controller() pid.Controller {
	return pid.Controller{
		Config: pid.ControllerConfig{
			ProportionalGain: g.P,
			IntegralGain:     g.I,
			DerivativeGain:   g.D,
		},
	}
}

// Config configures the stabilizer. Angles are in radians and rates in rad/s.
type Config struct {
	RollRate   Gains `yaml:"rollRate"`
	PitchRate  Gains `yaml:"pitchRate"`
	YawRate    Gains `yaml:"yawRate"`
	RollAngle  Gains `yaml:"rollAngle"`
	PitchAngle Gains `yaml:"pitchAngle"`

	MaxAngle   float64 `yaml:"maxAngle"`   // Full stick in angle mode
	MaxRate    float64 `yaml:"maxRate"`    // Full stick roll/pitch in rate mode
	MaxYawRate float64 `yaml:"maxYawRate"` // Full stick yaw

	// IdleThrottle is the output of every spinning motor at zero stick. Below
	// MinThrottle the controllers are held in reset and the motors idle.
	IdleThrottle float64 `yaml:"idleThrottle"`
	MinThrottle  float64 `yaml:"minThrottle"`
}

// DefaultConfig returns gains that fly a 250-class quad conservatively
func DefaultConfig() Config {
	return Config{
		RollRate:     Gains{P: 0.08, I: 0.04, D: 0.002},
		PitchRate:    Gains{P: 0.08, I: 0.04, D: 0.002},
		YawRate:      Gains{P: 0.15, I: 0.05},
		RollAngle:    Gains{P: 4.5},
		PitchAngle:   Gains{P: 4.5},
		MaxAngle:     30 * math.Pi / 180,
		MaxRate:      360 * math.Pi / 180,
		MaxYawRate:   180 * math.Pi / 180,
		IdleThrottle: 0.05,
		MinThrottle:  0.1,
	}
}

func (c Config) Validate() error {
	if c.MaxAngle <= 0 || c.MaxAngle >= math.Pi/2 {
		return fmt.Errorf("max angle %f out of range", c.MaxAngle)
	}
	if c.MaxRate <= 0 || c.MaxYawRate <= 0 {
		return errors.New("max rates must be positive")
	}
	if c.IdleThrottle < 0 || c.IdleThrottle >= 1 {
		return fmt.Errorf("idle throttle %f out of range", c.IdleThrottle)
	}
	if c.MinThrottle < 0 || c.MinThrottle >= 1 {
		return fmt.Errorf("min throttle %f out of range", c.MinThrottle)
	}
	return nil
}

// Stabilizer implements peripheral.Stabilizer and peripheral.Resetter. It is
// driven from a single loop and is not safe for concurrent use.
type Stabilizer struct {
	cfg Config

	rollRate   pid.Controller
	pitchRate  pid.Controller
	yawRate    pid.Controller
	rollAngle  pid.Controller
	pitchAngle pid.Controller
}

func New(cfg Config) (*Stabilizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Stabilizer{
		cfg:        cfg,
		rollRate:   cfg.RollRate.controller(),
		pitchRate:  cfg.PitchRate.controller(),
		yawRate:    cfg.YawRate.controller(),
		rollAngle:  cfg.RollAngle.controller(),
		pitchAngle: cfg.PitchAngle.controller(),
	}, nil
}

// Reset clears integrator and derivative state of every controller
func (s *Stabilizer) Reset() {
	for _, c := range s.controllers() {
		c.State = pid.ControllerState{}
	}
}

// Compute runs one control step. elapsed is the measured time since the
// previous step and is used as the PID sampling interval.
func (s *Stabilizer) Compute(o peripheral.Orientation, in peripheral.StickInput, mode peripheral.FlightMode, elapsed time.Duration) (peripheral.ActuatorCommand, error) {
	if elapsed <= 0 {
		return peripheral.ActuatorCommand{}, fmt.Errorf("%w: %s", ErrInvalidInterval, elapsed)
	}
	if err := validate(o, in); err != nil {
		return peripheral.ActuatorCommand{}, err
	}

	if in.Throttle < s.cfg.MinThrottle {
		s.Reset()
		return s.idle(mode), nil
	}

	switch mode {
	case peripheral.ModeOneDof:
		return s.oneDof(o, in, elapsed), nil
	case peripheral.ModeAngle, peripheral.ModeRate:
		return s.quadX(o, in, mode, elapsed), nil
	default:
		return peripheral.ActuatorCommand{}, fmt.Errorf("%w: unknown flight mode %s", ErrInvalidInput, mode)
	}
}

func (s *Stabilizer) quadX(o peripheral.Orientation, in peripheral.StickInput, mode peripheral.FlightMode, elapsed time.Duration) peripheral.ActuatorCommand {
	rollTarget := in.Roll * s.cfg.MaxRate
	pitchTarget := in.Pitch * s.cfg.MaxRate

	if mode == peripheral.ModeAngle {
		rollTarget = s.angleToRate(&s.rollAngle, in.Roll*s.cfg.MaxAngle, o.Roll, elapsed)
		pitchTarget = s.angleToRate(&s.pitchAngle, in.Pitch*s.cfg.MaxAngle, o.Pitch, elapsed)
	}

	r := update(&s.rollRate, rollTarget, o.RollRate, elapsed)
	p := update(&s.pitchRate, pitchTarget, o.PitchRate, elapsed)
	y := update(&s.yawRate, in.Yaw*s.cfg.MaxYawRate, o.YawRate, elapsed)

	t := in.Throttle

	var cmd peripheral.ActuatorCommand
	cmd.Motors[FrontLeft] = s.output(t + r + p - y)
	cmd.Motors[FrontRight] = s.output(t - r + p + y)
	cmd.Motors[RearRight] = s.output(t - r - p - y)
	cmd.Motors[RearLeft] = s.output(t + r - p + y)
	return cmd
}

// oneDof holds the rig beam at the roll angle commanded by the roll stick
func (s *Stabilizer) oneDof(o peripheral.Orientation, in peripheral.StickInput, elapsed time.Duration) peripheral.ActuatorCommand {
	rate := s.angleToRate(&s.rollAngle, in.Roll*s.cfg.MaxAngle, o.Roll, elapsed)
	r := update(&s.rollRate, rate, o.RollRate, elapsed)

	var cmd peripheral.ActuatorCommand
	cmd.Motors[RigLeft] = s.output(in.Throttle + r)
	cmd.Motors[RigRight] = s.output(in.Throttle - r)
	return cmd
}

func (s *Stabilizer) angleToRate(c *pid.Controller, target, actual float64, elapsed time.Duration) float64 {
	rate := update(c, target, actual, elapsed)
	return max(-s.cfg.MaxRate, min(s.cfg.MaxRate, rate))
}

func (s *Stabilizer) idle(mode peripheral.FlightMode) peripheral.ActuatorCommand {
	var cmd peripheral.ActuatorCommand
	if mode == peripheral.ModeOneDof {
		cmd.Motors[RigLeft] = s.cfg.IdleThrottle
		cmd.Motors[RigRight] = s.cfg.IdleThrottle
		return cmd
	}
	for i := range cmd.Motors {
		cmd.Motors[i] = s.cfg.IdleThrottle
	}
	return cmd
}

// output keeps a spinning motor between idle and full
func (s *Stabilizer) output(v float64) float64 {
	return max(s.cfg.IdleThrottle, min(1, v))
}

func (s *Stabilizer) controllers() []*pid.Controller {
	return []*pid.Controller{&s.rollRate, &s.pitchRate, &s.yawRate, &s.rollAngle, &s.pitchAngle}
}

func update(c *pid.Controller, reference, actual float64, elapsed time.Duration) float64 {
	c.Update(pid.ControllerInput{
		ReferenceSignal:  reference,
		ActualSignal:     actual,
		SamplingInterval: elapsed,
	})
	return c.State.ControlSignal
}

func validate(o peripheral.Orientation, in peripheral.StickInput) error {
	for name, v := range map[string]float64{
		"roll":       o.Roll,
		"pitch":      o.Pitch,
		"yaw":        o.Yaw,
		"roll rate":  o.RollRate,
		"pitch rate": o.PitchRate,
		"yaw rate":   o.YawRate,
		"throttle":   in.Throttle,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is %f", ErrInvalidInput, name, v)
		}
	}
	return nil
}
