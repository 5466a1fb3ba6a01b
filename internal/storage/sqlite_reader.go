package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

// ErrNoData is returned when a flight has no telemetry records to read
var ErrNoData = errors.New("no data")

// ReaderOption configures a record reader with specific filtering criteria.
type ReaderOption func(*SqliteRecordReader)

// WithStartTime excludes records taken before t.
func WithStartTime(t time.Time) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.startTime = &t
	}
}

// WithEndTime excludes records taken after t.
func WithEndTime(t time.Time) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// WithStates only returns records taken in one of the given vehicle states.
func WithStates(states ...string) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.states = states
	}
}

func newSqliteRecordReader(ctx context.Context, db *sql.DB, flightID int64, opts ...ReaderOption) (*SqliteRecordReader, error) {
	rr := &SqliteRecordReader{
		db:       db,
		flightID: flightID,
	}
	for _, opt := range opts {
		opt(rr)
	}
	if err := rr.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return rr, nil
}

// SqliteRecordReader implements RecordReader for the SQLite database backend.
type SqliteRecordReader struct {
	db *sql.DB

	flightID int64
	flight   *Flight

	startTime *time.Time // Optional start of time range filter
	endTime   *time.Time // Optional end of time range filter
	states    []string   // Optional vehicle states filter

	current *telemetry.Record
	rows    *sql.Rows
	err     error
}

func (rr *SqliteRecordReader) init(ctx context.Context) error {
	if rr.db == nil {
		return errors.New("database connection required")
	}
	if rr.flightID <= 0 {
		return errors.New("flight ID required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "loading flight", fn: rr.loadFlight},
		{msg: "initializing filters", fn: rr.initFilters},
		{msg: "initializing query", fn: rr.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (rr *SqliteRecordReader) loadFlight(ctx context.Context) (err error) {
	rr.flight, err = queryFlight(ctx, rr.db, rr.flightID)
	return
}

func (rr *SqliteRecordReader) initFilters(ctx context.Context) (err error) {
	if rr.startTime != nil && rr.endTime != nil {
		if rr.startTime.After(*rr.endTime) {
			return fmt.Errorf("start time %s is after end time %s", rr.startTime, rr.endTime)
		}
		return nil
	}
	if rr.flight.Records == 0 {
		return ErrNoData
	}

	stmt, err := rr.db.PrepareContext(ctx, selectRecordsTimeRangeSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var startTime, endTime int64
	if err = stmt.QueryRowContext(ctx, rr.flightID).Scan(&startTime, &endTime); err != nil {
		return fmt.Errorf("scanning filters data: %w", err)
	}

	if rr.startTime == nil {
		t := fromTimestamp(startTime)
		rr.startTime = &t
	}
	if rr.endTime == nil {
		t := fromTimestamp(endTime)
		rr.endTime = &t
	}

	return nil
}

func (rr *SqliteRecordReader) initQuery(ctx context.Context) (err error) {
	stmt, err := rr.db.PrepareContext(ctx, selectRecordsSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	rr.rows, err = stmt.QueryContext(ctx, rr.flightID, toTimestamp(*rr.startTime), toTimestamp(*rr.endTime))
	return err
}

func (rr *SqliteRecordReader) scanRecord() (*telemetry.Record, error) {
	var data recordData
	err := rr.rows.Scan(
		&data.Timestamp,
		&data.State,
		&data.Mode,
		&data.Roll,
		&data.Pitch,
		&data.Yaw,
		&data.RollRate,
		&data.PitchRate,
		&data.YawRate,
		&data.StickRoll,
		&data.StickPitch,
		&data.StickYaw,
		&data.Throttle,
		&data.Motors[0],
		&data.Motors[1],
		&data.Motors[2],
		&data.Motors[3],
		&data.LinkAge,
		&data.SampleAge,
		&data.Elapsed,
		&data.Note,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}

	r := data.toRecord()
	return &r, nil
}

func (rr *SqliteRecordReader) Flight() *Flight {
	return rr.flight
}

func (rr *SqliteRecordReader) Next(ctx context.Context) bool {
	if rr.err != nil || rr.rows == nil {
		return false
	}

	for {
		select {
		case <-ctx.Done():
			rr.err = ctx.Err()
			return false
		default:
		}

		if !rr.rows.Next() {
			rr.current = nil
			return false
		}

		if rr.current, rr.err = rr.scanRecord(); rr.err != nil {
			return false
		}

		if len(rr.states) == 0 || slices.Contains(rr.states, rr.current.State) {
			return true
		}
	}
}

func (rr *SqliteRecordReader) Current() *telemetry.Record {
	return rr.current
}

func (rr *SqliteRecordReader) Error() error {
	if rr.err != nil {
		return rr.err
	}
	if rr.rows != nil {
		return rr.rows.Err()
	}
	return nil
}

func (rr *SqliteRecordReader) Close() error {
	if rr.rows != nil {
		err := rr.rows.Close()
		rr.current = nil
		rr.rows = nil
		return err
	}
	return nil
}
