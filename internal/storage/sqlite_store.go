package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

// maxRecordsPerStatement keeps a multi-row insert well below the SQLite
// bound variables limit.
const maxRecordsPerStatement = 500

// SqliteStore implements Store for the SQLite database backend. Writes go
// through a single WAL connection, reads through a separate read-only one.
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the database file at dbPath. The
// database is opened lazily on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1) // SQLite allows a single writer

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro&_busy_timeout=5000"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateFlight(ctx context.Context, mode string, startTime time.Time, config any) (flightID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch c := config.(type) {
		case string:
			configData.Valid = true
			configData.String = c

		case []byte:
			configData.Valid = true
			configData.String = string(c)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertFlightSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, mode, toTimestamp(startTime), configData)
	if err != nil {
		err = fmt.Errorf("inserting flight: %w", err)
		return
	}

	flightID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting flight ID: %w", err)
	}
	return
}

func (s *SqliteStore) FinishFlight(ctx context.Context, flightID int64, endTime time.Time) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	result, err := db.ExecContext(ctx, finishFlightSQL, toTimestamp(endTime), flightID)
	if err != nil {
		return fmt.Errorf("updating flight: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("flight %d: %w", flightID, sql.ErrNoRows)
	}
	return nil
}

func (s *SqliteStore) Flight(ctx context.Context, flightID int64) (flight *Flight, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}
	return queryFlight(ctx, db, flightID)
}

func queryFlight(ctx context.Context, db *sql.DB, flightID int64) (flight *Flight, err error) {
	stmt, err := db.PrepareContext(ctx, selectFlightSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var data flightData
	if err = stmt.QueryRowContext(ctx, flightID).Scan(&data.ID, &data.Mode, &data.StartTime, &data.EndTime, &data.Config, &data.Records, &data.Events); err != nil {
		err = fmt.Errorf("scanning flight: %w", err)
		return
	}

	return data.toFlight(), nil
}

func (s *SqliteStore) Flights(ctx context.Context) (flights []*Flight, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectFlightsSQL)
	if err != nil {
		err = fmt.Errorf("querying flights: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data flightData
		if err = rows.Scan(&data.ID, &data.Mode, &data.StartTime, &data.EndTime, &data.Config, &data.Records, &data.Events); err != nil {
			err = fmt.Errorf("scanning flight: %w", err)
			return
		}
		flights = append(flights, data.toFlight())
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) StoreRecords(ctx context.Context, flightID int64, records []telemetry.Record) (err error) {
	if len(records) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	for chunk := range slices.Chunk(records, maxRecordsPerStatement) {
		values := make([]any, 0, len(chunk)*22)

		var sb strings.Builder
		sb.WriteString(insertRecordSQL)

		for i := range chunk {
			data := toRecordData(&chunk[i])
			values = append(values,
				flightID,
				data.Timestamp,
				data.State,
				data.Mode,
				data.Roll,
				data.Pitch,
				data.Yaw,
				data.RollRate,
				data.PitchRate,
				data.YawRate,
				data.StickRoll,
				data.StickPitch,
				data.StickYaw,
				data.Throttle,
				data.Motors[0],
				data.Motors[1],
				data.Motors[2],
				data.Motors[3],
				data.LinkAge,
				data.SampleAge,
				data.Elapsed,
				data.Note,
			)

			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(recordValuesPlaceholder)
		}

		if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
			return fmt.Errorf("batch inserting records: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SqliteStore) StoreEvent(ctx context.Context, flightID int64, e telemetry.Event) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(
		ctx,
		flightID,
		toTimestamp(e.Timestamp),
		string(e.Kind),
		toNullString(e.From),
		toNullString(e.To),
		toNullString(e.Reason),
		toNullString(e.Detail),
	); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *SqliteStore) Events(ctx context.Context, flightID int64) (events []telemetry.Event, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectEventsSQL, flightID)
	if err != nil {
		err = fmt.Errorf("querying events: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data eventData
		if err = rows.Scan(&data.Timestamp, &data.Kind, &data.From, &data.To, &data.Reason, &data.Detail); err != nil {
			err = fmt.Errorf("scanning event: %w", err)
			return
		}
		events = append(events, data.toEvent())
	}
	err = rows.Err()
	return
}

// ReadRecords creates a reader over the telemetry records of a flight.
// Records are returned in time order.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - flightID: Unique identifier of the flight to read from
//   - opts: Optional configuration parameters (WithStartTime, WithEndTime, WithTimeRange, WithStates)
//
// The returned reader must be closed after use to release database resources.
// Each reader instance should only be used from a single goroutine.
func (s *SqliteStore) ReadRecords(ctx context.Context, flightID int64, opts ...ReaderOption) (RecordReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newSqliteRecordReader(ctx, db, flightID, opts...)
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
