package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/safety"
)

const (
	ModeFlight       Mode = "flight"
	ModeOneDof       Mode = "onedof"
	ModeSensorTest   Mode = "sensor-test"
	ModeActuatorTest Mode = "actuator-test"
)

// Mode selects the setup path and the loops registered with the scheduler
type Mode string

// ParseMode parses a mode name as used on the command line
func ParseMode(name string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(name)))
	switch m {
	case ModeFlight, ModeOneDof, ModeSensorTest, ModeActuatorTest:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode '%s'", name)
	}
}

// Periods holds the fixed period of every loop
type Periods struct {
	Fast             time.Duration
	Radio            time.Duration
	Motor            time.Duration
	Log              time.Duration
	SensorTestLog    time.Duration
	SensorTestUpdate time.Duration
	ActuatorTest     time.Duration
}

// DefaultPeriods returns the reference loop timing
func DefaultPeriods() Periods {
	return Periods{
		Fast:             5 * time.Millisecond,
		Radio:            20 * time.Millisecond,
		Motor:            20 * time.Millisecond,
		Log:              20 * time.Millisecond,
		SensorTestLog:    100 * time.Millisecond,
		SensorTestUpdate: 5 * time.Millisecond,
		ActuatorTest:     20 * time.Millisecond,
	}
}

// SafetyConfig configures the safety monitor
type SafetyConfig struct {
	PollInterval   time.Duration
	LinkTimeout    time.Duration
	FaultThreshold int
}

// ActuatorTestConfig configures the bench pattern: each motor in turn runs
// at Level for Step, then every motor runs at Level for Step.
type ActuatorTestConfig struct {
	Level float64
	Step  time.Duration
}

// Config configures the supervisor
type Config struct {
	Periods Periods
	Safety  SafetyConfig

	// Resolution is the longest the run loop sleeps between ticks
	Resolution time.Duration

	LowThrottle     float64       // Throttle at or below which arming is allowed
	TakeoffThrottle float64       // Throttle at or above which Armed becomes Flying
	SensorTimeout   time.Duration // Maximum age of the orientation while actuating
	LevelTolerance  float64       // Maximum roll and pitch at pre-flight, radians

	PreFlightTimeout  time.Duration // How long failing checks are retried
	PreFlightInterval time.Duration

	ActuatorTest ActuatorTestConfig
}

// DefaultConfig returns the reference configuration
func DefaultConfig() Config {
	return Config{
		Periods: DefaultPeriods(),
		Safety: SafetyConfig{
			PollInterval:   safety.DefaultPollInterval,
			LinkTimeout:    safety.DefaultLinkTimeout,
			FaultThreshold: safety.DefaultFaultThreshold,
		},
		Resolution:        time.Millisecond,
		LowThrottle:       0.05,
		TakeoffThrottle:   0.2,
		SensorTimeout:     100 * time.Millisecond,
		LevelTolerance:    0.17, // ~10°
		PreFlightTimeout:  5 * time.Second,
		PreFlightInterval: 100 * time.Millisecond,
		ActuatorTest: ActuatorTestConfig{
			Level: 0.1,
			Step:  2 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	var errs []error

	for name, d := range map[string]time.Duration{
		"fast":               c.Periods.Fast,
		"radio":              c.Periods.Radio,
		"motor":              c.Periods.Motor,
		"log":                c.Periods.Log,
		"sensor test log":    c.Periods.SensorTestLog,
		"sensor test update": c.Periods.SensorTestUpdate,
		"actuator test":      c.Periods.ActuatorTest,
		"resolution":         c.Resolution,
		"poll interval":      c.Safety.PollInterval,
		"link timeout":       c.Safety.LinkTimeout,
		"sensor timeout":     c.SensorTimeout,
		"actuator test step": c.ActuatorTest.Step,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s period must be positive, got %s", name, d))
		}
	}

	if c.Safety.FaultThreshold < 1 {
		errs = append(errs, fmt.Errorf("fault threshold must be at least 1, got %d", c.Safety.FaultThreshold))
	}
	if c.LowThrottle < 0 || c.LowThrottle >= c.TakeoffThrottle || c.TakeoffThrottle > 1 {
		errs = append(errs, fmt.Errorf("throttle thresholds must satisfy 0 <= low < takeoff <= 1, got %g and %g", c.LowThrottle, c.TakeoffThrottle))
	}
	if c.ActuatorTest.Level < 0 || c.ActuatorTest.Level > 1 {
		errs = append(errs, fmt.Errorf("actuator test level %g out of range", c.ActuatorTest.Level))
	}
	if c.PreFlightTimeout < 0 || (c.PreFlightTimeout > 0 && c.PreFlightInterval <= 0) {
		errs = append(errs, errors.New("invalid pre-flight retry settings"))
	}

	return errors.Join(errs...)
}
