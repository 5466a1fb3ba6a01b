package telemetry

import (
	"time"
)

const (
	EventTransition EventKind = "transition"
	EventSafety     EventKind = "safety"
	EventFault      EventKind = "fault"
	EventPreFlight  EventKind = "preflight"
)

// EventKind classifies flight log events
type EventKind string

// Record is a single telemetry sample taken by the logging loop
type Record struct {
	Timestamp  time.Time     `json:"timestamp"`      // Time the record was taken
	State      string        `json:"state"`          // Vehicle state at the time of the record
	Mode       string        `json:"mode"`           // Flight mode selected by the pilot
	Roll       float64       `json:"roll"`           // Roll angle in radians
	Pitch      float64       `json:"pitch"`          // Pitch angle in radians
	Yaw        float64       `json:"yaw"`            // Yaw angle in radians
	RollRate   float64       `json:"rollRate"`       // Roll rate in rad/s
	PitchRate  float64       `json:"pitchRate"`      // Pitch rate in rad/s
	YawRate    float64       `json:"yawRate"`        // Yaw rate in rad/s
	StickRoll  float64       `json:"stickRoll"`      // Normalised roll stick, -1..1
	StickPitch float64       `json:"stickPitch"`     // Normalised pitch stick, -1..1
	StickYaw   float64       `json:"stickYaw"`       // Normalised yaw stick, -1..1
	Throttle   float64       `json:"throttle"`       // Normalised throttle, 0..1
	Motors     [4]float64    `json:"motors"`         // Last motor command, 0..1
	LinkAge    time.Duration `json:"linkAge"`        // Time since the last radio frame
	SampleAge  time.Duration `json:"sampleAge"`      // Age of the orientation estimate
	Elapsed    time.Duration `json:"elapsed"`        // Elapsed time fed to the control loop
	Note       string        `json:"note,omitempty"` // Free-form annotation from test loops
}

// Event is a discrete occurrence recorded alongside telemetry: state
// transitions, safety triggers, loop faults and pre-flight results.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
