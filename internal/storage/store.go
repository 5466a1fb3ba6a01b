package storage

import (
	"context"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

// Store provides an interface for the flight log. A flight groups the
// telemetry records and events produced by a single supervisor run. All
// operations that write to the database should be considered atomic.
type Store interface {
	// CreateFlight opens a new flight and returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - mode: Supervisor mode (e.g., "flight", "onedof")
	//   - startTime: Time the run started
	//   - config: Optional configuration snapshot. Can be string, []byte, or JSON-serializable object
	CreateFlight(ctx context.Context, mode string, startTime time.Time, config any) (flightID int64, err error)

	// FinishFlight records the time the run ended.
	FinishFlight(ctx context.Context, flightID int64, endTime time.Time) error

	// Flight retrieves a specific flight by its ID.
	Flight(ctx context.Context, flightID int64) (*Flight, error)

	// Flights returns all flights ordered by start time in ascending order.
	Flights(ctx context.Context) ([]*Flight, error)

	// StoreRecords saves a batch of telemetry records in a single transaction.
	StoreRecords(ctx context.Context, flightID int64, records []telemetry.Record) error

	// StoreEvent saves a single flight event.
	StoreEvent(ctx context.Context, flightID int64, e telemetry.Event) error

	// Events returns all events of a flight in time order.
	Events(ctx context.Context, flightID int64) ([]telemetry.Event, error)

	// ReadRecords creates an iterator over the telemetry records of a flight.
	// The returned reader must be closed after use.
	ReadRecords(ctx context.Context, flightID int64, opts ...ReaderOption) (RecordReader, error)

	// Close releases all database connections and resources.
	// It is safe to call Close multiple times.
	Close() error
}

// RecordReader provides an iterator-based interface for reading telemetry
// records with optional time filtering.
type RecordReader interface {
	// Flight returns metadata about the flight this reader is accessing.
	Flight() *Flight

	// Next advances the iterator and returns true if there is another record
	// to read, false when the iteration is complete or if an error occurred.
	Next(context.Context) bool

	// Current returns the current record in the iteration.
	Current() *telemetry.Record

	// Error returns any error that occurred during iteration.
	Error() error

	// Close releases any resources associated with the reader.
	Close() error
}

// FlightWriter binds a store to a single flight. It implements
// telemetry.Writer so that a telemetry.Recorder can persist into the log.
type FlightWriter struct {
	store    Store
	flightID int64
}

// NewFlightWriter creates a writer storing records under flightID
func NewFlightWriter(store Store, flightID int64) *FlightWriter {
	return &FlightWriter{store: store, flightID: flightID}
}

func (w *FlightWriter) StoreRecords(ctx context.Context, records []telemetry.Record) error {
	return w.store.StoreRecords(ctx, w.flightID, records)
}

func (w *FlightWriter) StoreEvent(ctx context.Context, e telemetry.Event) error {
	return w.store.StoreEvent(ctx, w.flightID, e)
}

// FlightID returns the flight the writer is bound to
func (w *FlightWriter) FlightID() int64 {
	return w.flightID
}
