package storage

import (
	"database/sql"
	"time"
)

// Flight describes a single supervisor run stored in the flight log
type Flight struct {
	ID        int64
	Mode      string     // Supervisor mode the run was started in
	StartTime time.Time  // Time the flight log was opened
	EndTime   *time.Time // Time the run ended, nil if it did not exit cleanly
	Config    *string    // Configuration snapshot, JSON encoded
	Records   int64      // Number of telemetry records
	Events    int64      // Number of events
}

// Duration returns the length of the flight. A flight that did not exit
// cleanly reports zero.
func (f *Flight) Duration() time.Duration {
	if f.EndTime == nil {
		return 0
	}
	return f.EndTime.Sub(f.StartTime)
}

type flightData struct {
	ID        int64
	Mode      string
	StartTime int64
	EndTime   sql.NullInt64
	Config    sql.NullString
	Records   int64
	Events    int64
}

type recordData struct {
	Timestamp  int64
	State      string
	Mode       string
	Roll       float64
	Pitch      float64
	Yaw        float64
	RollRate   float64
	PitchRate  float64
	YawRate    float64
	StickRoll  float64
	StickPitch float64
	StickYaw   float64
	Throttle   float64
	Motors     [4]float64
	LinkAge    int64
	SampleAge  int64
	Elapsed    int64
	Note       sql.NullString
}

type eventData struct {
	Timestamp int64
	Kind      string
	From      sql.NullString
	To        sql.NullString
	Reason    sql.NullString
	Detail    sql.NullString
}
