package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	LoopFast             LoopID = "fast"
	LoopRadio            LoopID = "radio"
	LoopMotor            LoopID = "motor"
	LoopLog              LoopID = "log"
	LoopSensorTestLog    LoopID = "sensor-test-log"
	LoopSensorTestUpdate LoopID = "sensor-test-update"
	LoopActuatorTest     LoopID = "actuator-test"
)

// Dispatch stages, in tick order
const (
	StageInput Stage = iota
	StageCompute
	StageActuate
	StageTelemetry
)

var (
	// ErrDuplicateLoop is returned when a loop ID is registered twice
	ErrDuplicateLoop = errors.New("loop already registered")

	// ErrInvalidPeriod is returned for loops with a non-positive period
	ErrInvalidPeriod = errors.New("invalid loop period")
)

// LoopID identifies a registered loop
type LoopID string

// Stage orders loops within a tick: input sampling runs before computation,
// computation before actuation and actuation before telemetry.
type Stage uint8

func (s Stage) String() string {
	switch s {
	case StageInput:
		return "input"
	case StageCompute:
		return "compute"
	case StageActuate:
		return "actuate"
	case StageTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// RunFunc is the loop body. elapsed is the measured time since the loop last
// fired, not its nominal period.
type RunFunc func(ctx context.Context, now time.Time, elapsed time.Duration) error

// Loop is a fixed-period activity dispatched by the scheduler
type Loop struct {
	ID     LoopID
	Stage  Stage
	Period time.Duration
	Run    RunFunc
}

// LoopFault describes a loop whose body failed during a tick
type LoopFault struct {
	Loop        LoopID
	Stage       Stage
	Consecutive int // Number of consecutive failed dispatches, including this one
	Err         error
}

func (f *LoopFault) Error() string {
	return fmt.Sprintf("loop %s (%s) fault #%d: %s", f.Loop, f.Stage, f.Consecutive, f.Err)
}

func (f *LoopFault) Unwrap() error {
	return f.Err
}

// LoopStats holds dispatch counters of a single loop
type LoopStats struct {
	ID       LoopID
	Period   time.Duration
	Fired    uint64
	Faults   uint64
	Baseline time.Time
}
