// Package actuator drives the ESC PWM outputs of the airframe.
package actuator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

const (
	DefaultFrequency = 50   // Hz
	DefaultMinPulse  = 1000 // µs, motors stopped
	DefaultMaxPulse  = 2000 // µs, full throttle

	// cycleLen is the PWM resolution per period. The PWM clock runs at
	// frequency * cycleLen, which must stay within 4688 Hz - 19.2 MHz.
	cycleLen = 20000
)

var ErrInvalidCommand = errors.New("invalid actuator command")

// PWM is a single hardware PWM output. rpio.Pin implements it.
type PWM interface {
	DutyCycle(dutyLen, cycleLen uint32)
}

// Config describes the ESC outputs
type Config struct {
	Pins      [peripheral.NumMotors]int // BCM pin numbers
	Frequency int                       // PWM frequency, Hz
	MinPulse  uint32                    // Pulse width for zero command, µs
	MaxPulse  uint32                    // Pulse width for full command, µs
}

func (c Config) Validate() error {
	if c.Frequency <= 0 {
		return fmt.Errorf("invalid PWM frequency %d", c.Frequency)
	}
	if c.MinPulse == 0 || c.MaxPulse <= c.MinPulse {
		return fmt.Errorf("invalid pulse range %d-%d µs", c.MinPulse, c.MaxPulse)
	}
	if period := uint32(1_000_000 / c.Frequency); c.MaxPulse >= period {
		return fmt.Errorf("max pulse %d µs does not fit a %d µs period", c.MaxPulse, period)
	}
	return nil
}

// WithLogger sets the logger for the ESC driver
func WithLogger(logger *slog.Logger) func(*ESC) {
	return func(e *ESC) {
		e.logger = logger.With(slog.String("component", "actuator"))
	}
}

// ESC maps normalised motor commands to PWM pulse widths. It implements
// peripheral.Actuator and is safe for concurrent use.
type ESC struct {
	mu     sync.Mutex
	pins   [peripheral.NumMotors]PWM
	pulses [peripheral.NumMotors]uint32
	closer io.Closer

	minPulse uint32
	maxPulse uint32
	period   uint32 // µs

	logger *slog.Logger
}

type rpioCloser struct{}

func (rpioCloser) Close() error {
	return rpio.Close()
}

// Open maps the GPIO memory, switches the configured pins to PWM mode and
// writes the zero command.
func Open(cfg Config, options ...func(*ESC)) (*ESC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("opening GPIO: %w", err)
	}

	var pins [peripheral.NumMotors]PWM
	for i, n := range cfg.Pins {
		pin := rpio.Pin(n)
		pin.Mode(rpio.Pwm)
		pin.Freq(cfg.Frequency * cycleLen)
		pins[i] = pin
	}

	e, err := NewESC(cfg, pins, options...)
	if err != nil {
		_ = rpio.Close()
		return nil, err
	}
	e.closer = rpioCloser{}
	return e, nil
}

// NewESC creates a driver over already configured PWM outputs and writes the
// zero command.
func NewESC(cfg Config, pins [peripheral.NumMotors]PWM, options ...func(*ESC)) (*ESC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := ESC{
		pins:     pins,
		minPulse: cfg.MinPulse,
		maxPulse: cfg.MaxPulse,
		period:   uint32(1_000_000 / cfg.Frequency),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&e)
	}

	if err := e.WriteZero(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Write sets every output from a command in the 0..1 range. Values outside the
// range are clamped; NaN is rejected without touching the outputs.
func (e *ESC) Write(cmd peripheral.ActuatorCommand) error {
	var pulses [peripheral.NumMotors]uint32
	for i, v := range cmd.Motors {
		if math.IsNaN(v) {
			return fmt.Errorf("%w: motor %d is NaN", ErrInvalidCommand, i+1)
		}
		pulses[i] = e.pulse(v)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.apply(pulses)
	return nil
}

// WriteZero sets every output to the minimum pulse
func (e *ESC) WriteZero() error {
	var pulses [peripheral.NumMotors]uint32
	for i := range pulses {
		pulses[i] = e.minPulse
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.apply(pulses)
	return nil
}

// Pulses returns the pulse widths currently applied, µs
func (e *ESC) Pulses() [peripheral.NumMotors]uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulses
}

// Close writes the zero command and releases the GPIO memory
func (e *ESC) Close() error {
	err := e.WriteZero()
	if e.closer != nil {
		err = errors.Join(err, e.closer.Close())
	}
	return err
}

func (e *ESC) pulse(v float64) uint32 {
	v = max(0, min(1, v))
	return e.minPulse + uint32(math.Round(v*float64(e.maxPulse-e.minPulse)))
}

// apply must be called with mu held
func (e *ESC) apply(pulses [peripheral.NumMotors]uint32) {
	for i, us := range pulses {
		if e.pins[i] == nil {
			continue
		}
		// Output frequency is the PWM clock divided by cycleLen, so the duty
		// length is the pulse width scaled to the period.
		e.pins[i].DutyCycle(us*cycleLen/e.period, cycleLen)
	}
	e.pulses = pulses
	e.logger.Debug("pulses applied", slog.Any("pulses", pulses))
}
