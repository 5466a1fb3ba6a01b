package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryWriter struct {
	mu      sync.Mutex
	batches [][]Record
	events  []Event
	block   chan struct{}
	err     error
}

func (w *memoryWriter) StoreRecords(_ context.Context, records []Record) error {
	if w.block != nil {
		<-w.block
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, records)
	return nil
}

func (w *memoryWriter) StoreEvent(_ context.Context, e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
	return nil
}

func (w *memoryWriter) records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	var all []Record
	for _, b := range w.batches {
		all = append(all, b...)
	}
	return all
}

func TestRecorder_StoresEverythingOnClose(t *testing.T) {
	w := &memoryWriter{}
	r, err := NewRecorder(w, WithBatchSize(4), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("creating recorder: %v", err)
	}
	if err = r.Start(context.Background()); err != nil {
		t.Fatalf("starting recorder: %v", err)
	}

	base := time.Now()
	for i := 0; i < 10; i++ {
		if err = r.Append(Record{Timestamp: base.Add(time.Duration(i) * time.Millisecond)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err = r.AppendEvent(Event{Timestamp: base, Kind: EventSafety, Reason: "link lost"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err = r.Close(); err != nil {
		t.Fatalf("closing recorder: %v", err)
	}

	got := w.records()
	if len(got) != 10 {
		t.Fatalf("expected 10 stored records, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("records stored out of order at %d", i)
		}
	}
	if len(w.events) != 1 || w.events[0].Kind != EventSafety {
		t.Errorf("expected one safety event, got %v", w.events)
	}

	stats := r.Stats()
	if stats.Stored != 10 || stats.Dropped != 0 || stats.Events != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err = r.Append(Record{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after close, got %v", err)
	}
}

func TestRecorder_DropsWhenQueueIsFull(t *testing.T) {
	w := &memoryWriter{block: make(chan struct{})}
	r, err := NewRecorder(w, WithQueueSize(2), WithBatchSize(1), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("creating recorder: %v", err)
	}
	if err = r.Start(context.Background()); err != nil {
		t.Fatalf("starting recorder: %v", err)
	}

	// Keep appending until the writer is stuck and the queue fills up
	var dropped bool
	deadline := time.Now().Add(time.Second)
	for !dropped && time.Now().Before(deadline) {
		if err := r.Append(Record{Timestamp: time.Now()}); errors.Is(err, ErrQueueFull) {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("expected a record to be dropped while the writer is blocked")
	}
	if r.Stats().Dropped == 0 {
		t.Error("expected dropped counter to be incremented")
	}

	close(w.block)
	if err = r.Close(); err != nil {
		t.Fatalf("closing recorder: %v", err)
	}
}

func TestRecorder_ReportsWriteFailures(t *testing.T) {
	w := &memoryWriter{err: errors.New("disk full")}
	r, _ := NewRecorder(w, WithFlushInterval(time.Hour))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("starting recorder: %v", err)
	}

	_ = r.Append(Record{Timestamp: time.Now()})

	if err := r.Close(); err == nil {
		t.Fatal("expected close to report failed records")
	}
	if r.Stats().Failed != 1 {
		t.Errorf("expected 1 failed record, got %d", r.Stats().Failed)
	}
}

func TestRecorder_StartTwice(t *testing.T) {
	r, _ := NewRecorder(&memoryWriter{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Start(context.Background()); err == nil {
		t.Error("expected error starting a running recorder")
	}
}

type countingSink struct {
	records int
	events  int
}

func (s *countingSink) Append(Record) error {
	s.records++
	return nil
}

func (s *countingSink) AppendEvent(Event) error {
	s.events++
	return nil
}

type recordOnlySink struct{ records int }

func (s *recordOnlySink) Append(Record) error {
	s.records++
	return errors.New("rejected")
}

func TestFanout(t *testing.T) {
	a := &countingSink{}
	b := &recordOnlySink{}
	f := Fanout{a, b}

	if err := f.Append(Record{}); err == nil {
		t.Error("expected error from rejecting sink")
	}
	if err := f.AppendEvent(Event{Kind: EventTransition}); err != nil {
		t.Errorf("unexpected event error: %v", err)
	}

	if a.records != 1 || b.records != 1 {
		t.Errorf("expected both sinks to receive the record, got %d and %d", a.records, b.records)
	}
	if a.events != 1 {
		t.Errorf("expected event sink to receive the event, got %d", a.events)
	}
}
