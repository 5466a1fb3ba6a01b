package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && *err == nil && !errors.Is(cErr, sql.ErrTxDone) {
		*err = cErr
	}
}

func toTimestamp(t time.Time) int64 {
	return t.UnixNano()
}

func fromTimestamp(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func toNullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

func toRecordData(r *telemetry.Record) *recordData {
	return &recordData{
		Timestamp:  toTimestamp(r.Timestamp),
		State:      r.State,
		Mode:       r.Mode,
		Roll:       r.Roll,
		Pitch:      r.Pitch,
		Yaw:        r.Yaw,
		RollRate:   r.RollRate,
		PitchRate:  r.PitchRate,
		YawRate:    r.YawRate,
		StickRoll:  r.StickRoll,
		StickPitch: r.StickPitch,
		StickYaw:   r.StickYaw,
		Throttle:   r.Throttle,
		Motors:     r.Motors,
		LinkAge:    int64(r.LinkAge),
		SampleAge:  int64(r.SampleAge),
		Elapsed:    int64(r.Elapsed),
		Note:       toNullString(r.Note),
	}
}

func (d *recordData) toRecord() telemetry.Record {
	return telemetry.Record{
		Timestamp:  fromTimestamp(d.Timestamp),
		State:      d.State,
		Mode:       d.Mode,
		Roll:       d.Roll,
		Pitch:      d.Pitch,
		Yaw:        d.Yaw,
		RollRate:   d.RollRate,
		PitchRate:  d.PitchRate,
		YawRate:    d.YawRate,
		StickRoll:  d.StickRoll,
		StickPitch: d.StickPitch,
		StickYaw:   d.StickYaw,
		Throttle:   d.Throttle,
		Motors:     d.Motors,
		LinkAge:    time.Duration(d.LinkAge),
		SampleAge:  time.Duration(d.SampleAge),
		Elapsed:    time.Duration(d.Elapsed),
		Note:       d.Note.String,
	}
}

func (d *eventData) toEvent() telemetry.Event {
	return telemetry.Event{
		Timestamp: fromTimestamp(d.Timestamp),
		Kind:      telemetry.EventKind(d.Kind),
		From:      d.From.String,
		To:        d.To.String,
		Reason:    d.Reason.String,
		Detail:    d.Detail.String,
	}
}

func (d *flightData) toFlight() *Flight {
	f := Flight{
		ID:        d.ID,
		Mode:      d.Mode,
		StartTime: fromTimestamp(d.StartTime),
		Records:   d.Records,
		Events:    d.Events,
	}
	if d.EndTime.Valid {
		end := fromTimestamp(d.EndTime.Int64)
		f.EndTime = &end
	}
	if d.Config.Valid {
		f.Config = &d.Config.String
	}
	return &f
}
