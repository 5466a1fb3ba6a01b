// Package peripheral defines the contracts between the flight supervisor and
// the hardware adapters and algorithms it drives.
package peripheral

import (
	"errors"
	"time"
)

// NumMotors is the number of actuator outputs on the airframe
const NumMotors = 4

const (
	// ModeRate commands body rates from stick deflection
	ModeRate FlightMode = iota
	// ModeAngle commands attitude angles from stick deflection
	ModeAngle
	// ModeOneDof drives a single axis on a test rig
	ModeOneDof
)

// ErrNoSample is returned by adapters that have not produced data yet
var ErrNoSample = errors.New("no sample available")

// FlightMode selects how stick input is interpreted by the stabilizer
type FlightMode uint8

func (m FlightMode) String() string {
	switch m {
	case ModeRate:
		return "rate"
	case ModeAngle:
		return "angle"
	case ModeOneDof:
		return "one-dof"
	default:
		return "unknown"
	}
}

// Orientation is the latest attitude estimate produced by the sensor adapter
type Orientation struct {
	Timestamp time.Time  // Time of the underlying sensor reading
	Roll      float64    // Roll angle in radians
	Pitch     float64    // Pitch angle in radians
	Yaw       float64    // Yaw angle in radians
	RollRate  float64    // Body roll rate in rad/s
	PitchRate float64    // Body pitch rate in rad/s
	YawRate   float64    // Body yaw rate in rad/s
	Accel     [3]float64 // Acceleration in m/s²
}

// StickInput is the pilot input decoded from the radio receiver
type StickInput struct {
	Roll     float64    // Normalised roll deflection, -1..1
	Pitch    float64    // Normalised pitch deflection, -1..1
	Yaw      float64    // Normalised yaw deflection, -1..1
	Throttle float64    // Normalised throttle, 0..1
	Arm      bool       // Arm switch engaged
	Mode     FlightMode // Flight mode switch position
}

// LinkQuality describes the health of the radio link
type LinkQuality struct {
	LastFrame time.Time // Time the last valid frame was received
	Frames    uint64    // Valid frames received
	Errors    uint64    // Corrupted frames discarded
}

// Age returns the time since the last valid frame. A link that never
// received a frame reports the maximum duration.
func (l LinkQuality) Age(now time.Time) time.Duration {
	if l.LastFrame.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(l.LastFrame)
}

// ActuatorCommand holds normalised motor outputs, 0 (stopped) to 1 (full)
type ActuatorCommand struct {
	Motors [NumMotors]float64
}

// IsZero reports whether every output is at zero authority
func (c ActuatorCommand) IsZero() bool {
	for _, m := range c.Motors {
		if m != 0 {
			return false
		}
	}
	return true
}

// Sensor produces the vehicle orientation estimate. Sample never blocks; it
// returns the latest estimate, which may be stale if the sensor stalls.
type Sensor interface {
	Sample() (Orientation, error)
}

// Receiver produces pilot input and link health. Sample never blocks.
type Receiver interface {
	Sample() (StickInput, LinkQuality, error)
}

// Stabilizer turns an orientation estimate and stick input into actuator
// commands. elapsed is the measured time since the previous computation.
type Stabilizer interface {
	Compute(o Orientation, in StickInput, mode FlightMode, elapsed time.Duration) (ActuatorCommand, error)
}

// Resetter is implemented by stabilizers holding integrator state that must
// be cleared before a new flight.
type Resetter interface {
	Reset()
}

// Actuator drives the motor outputs. Implementations must be safe for
// concurrent use: WriteZero may be called from the safety monitor while the
// scheduler is running.
type Actuator interface {
	Write(cmd ActuatorCommand) error
	WriteZero() error
}
