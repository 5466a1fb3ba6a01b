package telemetry

import (
	"testing"
	"time"
)

func TestBuffer_Ordering(t *testing.T) {
	b, err := NewBuffer(10, 5)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	base := time.Now()
	offsets := []time.Duration{0, 20, 40, 10, 60, 40, 5}
	for i, off := range offsets {
		b.Insert(Record{Timestamp: base.Add(off * time.Millisecond), Elapsed: time.Duration(i)})
	}

	if size := b.Size(); size != len(offsets) {
		t.Errorf("Expected buffer size %d, got %d", len(offsets), size)
	}

	results := b.DrainAll()
	if len(results) != len(offsets) {
		t.Fatalf("Expected %d results, got %d", len(offsets), len(results))
	}

	expected := []time.Duration{0, 5, 10, 20, 40, 40, 60}
	for i, r := range results {
		if got := r.Timestamp.Sub(base); got != expected[i]*time.Millisecond {
			t.Errorf("Position %d: expected offset %s, got %s", i, expected[i]*time.Millisecond, got)
		}
	}

	// equal timestamps keep arrival order
	if results[4].Elapsed != 2 || results[5].Elapsed != 5 {
		t.Errorf("Expected records with equal timestamps in arrival order, got %d then %d", results[4].Elapsed, results[5].Elapsed)
	}

	if b.Size() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d", b.Size())
	}
}

func TestBuffer_Flush(t *testing.T) {
	b, err := NewBuffer(4, 3)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	if got := b.Flush(); got != nil {
		t.Errorf("Expected nil from empty buffer, got %d records", len(got))
	}

	base := time.Now()
	for i := 0; i < 4; i++ {
		b.Insert(Record{Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
	}
	if !b.IsFull() {
		t.Fatal("Expected buffer to be full")
	}

	flushed := b.Flush()
	if len(flushed) != 3 {
		t.Fatalf("Expected 3 flushed records, got %d", len(flushed))
	}
	if !flushed[0].Timestamp.Equal(base) {
		t.Errorf("Expected oldest record first")
	}
	if b.Size() != 1 {
		t.Errorf("Expected 1 record left, got %d", b.Size())
	}

	// tail must still be valid after a partial flush
	b.Insert(Record{Timestamp: base.Add(time.Hour)})
	rest := b.DrainAll()
	if len(rest) != 2 || !rest[1].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("Unexpected records after partial flush: %v", rest)
	}
}

func TestBuffer_Clear(t *testing.T) {
	b, _ := NewBuffer(4, 2)
	b.Insert(Record{Timestamp: time.Now()})
	b.Clear()

	if b.Size() != 0 || b.DrainAll() != nil {
		t.Error("Expected empty buffer after clear")
	}

	b.Insert(Record{Timestamp: time.Now()})
	if b.Size() != 1 {
		t.Errorf("Expected buffer to accept records after clear, got size %d", b.Size())
	}
}

func TestNewBuffer_InvalidParameters(t *testing.T) {
	tests := []struct {
		capacity, flushCount int
	}{
		{0, 1},
		{10, 0},
		{5, 6},
	}

	for _, tt := range tests {
		if _, err := NewBuffer(tt.capacity, tt.flushCount); err == nil {
			t.Errorf("Expected error for capacity=%d flushCount=%d", tt.capacity, tt.flushCount)
		}
	}
}
