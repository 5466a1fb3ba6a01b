package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

var (
	// ErrQueueFull is returned by Append when the record was dropped
	ErrQueueFull = errors.New("telemetry queue full")

	// ErrNotRunning is returned when records are appended to a stopped recorder
	ErrNotRunning = errors.New("recorder is not running")
)

// Writer persists batches of records and single events
type Writer interface {
	StoreRecords(ctx context.Context, records []Record) error
	StoreEvent(ctx context.Context, e Event) error
}

// RecorderStats counts what happened to appended records
type RecorderStats struct {
	Stored  uint64
	Dropped uint64
	Failed  uint64
	Events  uint64
}

// WithLogger sets the logger for the recorder
func WithLogger(logger *slog.Logger) func(*Recorder) {
	return func(r *Recorder) {
		r.logger = logger.With(slog.String("component", "recorder"))
	}
}

// WithQueueSize sets the number of records that may wait for the writer
// before new ones are dropped.
func WithQueueSize(size int) func(*Recorder) {
	return func(r *Recorder) {
		r.queueSize = size
	}
}

// WithBatchSize sets the number of records stored within a single write
func WithBatchSize(size int) func(*Recorder) {
	return func(r *Recorder) {
		r.batchSize = size
	}
}

// WithFlushInterval sets how often a partially filled batch is written
func WithFlushInterval(interval time.Duration) func(*Recorder) {
	return func(r *Recorder) {
		r.flushInterval = interval
	}
}

// Recorder is an asynchronous Sink. Appending never blocks: records are
// queued and written in batches by a background goroutine, and dropped when
// the queue is full so that a slow writer can never stall the control loops.
type Recorder struct {
	writer Writer
	buffer *Buffer

	queueSize     int
	batchSize     int
	flushInterval time.Duration

	records chan Record
	events  chan Event

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	stored  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64

	logger *slog.Logger
}

// NewRecorder creates a recorder writing to w
func NewRecorder(w Writer, options ...func(*Recorder)) (*Recorder, error) {
	r := Recorder{
		writer:        w,
		queueSize:     DefaultQueueSize,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	if r.queueSize <= 0 {
		return nil, fmt.Errorf("invalid queue size: %d", r.queueSize)
	}
	if r.flushInterval <= 0 {
		return nil, fmt.Errorf("invalid flush interval: %s", r.flushInterval)
	}

	buffer, err := NewBuffer(r.batchSize*2, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("creating buffer: %w", err)
	}

	r.buffer = buffer
	r.records = make(chan Record, r.queueSize)
	r.events = make(chan Event, r.queueSize)

	return &r, nil
}

// Start begins writing queued records until Close is called or ctx is done
func (r *Recorder) Start(ctx context.Context) error {
	if !r.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("recorder is already running")
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run(ctx)

	return nil
}

// Append queues a record for writing. It returns ErrQueueFull if the record
// was dropped.
func (r *Recorder) Append(rec Record) error {
	if !r.isRunning.Load() {
		return ErrNotRunning
	}

	select {
	case r.records <- rec:
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

// AppendEvent queues an event for writing. It returns ErrQueueFull if the
// event was dropped.
func (r *Recorder) AppendEvent(e Event) error {
	if !r.isRunning.Load() {
		return ErrNotRunning
	}

	select {
	case r.events <- e:
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close stops the recorder after writing everything still queued
func (r *Recorder) Close() error {
	if r.cancel == nil {
		return nil // never started
	}

	r.cancel()
	r.wg.Wait()

	if failed := r.failed.Load(); failed > 0 {
		return fmt.Errorf("%d records could not be stored", failed)
	}
	return nil
}

// Stats returns the recorder counters
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Stored:  r.stored.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Events:  r.written.Load(),
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	r.logger.Info("recorder started")

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-r.records:
			r.buffer.Insert(rec)
			if r.buffer.IsFull() {
				r.store(r.buffer.Flush())
			}

		case e := <-r.events:
			r.storeEvent(e)

		case <-ticker.C:
			r.store(r.buffer.DrainAll())

		case <-ctx.Done():
			r.isRunning.Store(false)
			r.drain()
			r.logger.Info("recorder stopped",
				slog.Uint64("stored", r.stored.Load()),
				slog.Uint64("dropped", r.dropped.Load()))
			return
		}
	}
}

// drain writes whatever is left in the queues. Append is already refusing
// new records at this point.
func (r *Recorder) drain() {
	for {
		select {
		case rec := <-r.records:
			r.buffer.Insert(rec)
		case e := <-r.events:
			r.storeEvent(e)
		default:
			r.store(r.buffer.DrainAll())
			return
		}
	}
}

func (r *Recorder) store(records []Record) {
	if len(records) == 0 {
		return
	}

	// The run context may already be cancelled while draining
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.writer.StoreRecords(ctx, records); err != nil {
		r.failed.Add(uint64(len(records)))
		r.logger.Error(fmt.Sprintf("storing records: %s", err.Error()), slog.Int("count", len(records)))
		return
	}
	r.stored.Add(uint64(len(records)))
}

func (r *Recorder) storeEvent(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.writer.StoreEvent(ctx, e); err != nil {
		r.failed.Add(1)
		r.logger.Error(fmt.Sprintf("storing event: %s", err.Error()), slog.String("kind", string(e.Kind)))
		return
	}
	r.written.Add(1)
}
