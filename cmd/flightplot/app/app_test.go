package app

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/storage"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRecords(start time.Time, n int) []telemetry.Record {
	records := make([]telemetry.Record, n)
	for i := range records {
		state := "armed"
		if i >= n/2 {
			state = "flying"
		}
		records[i] = telemetry.Record{
			Timestamp: start.Add(time.Duration(i) * 20 * time.Millisecond),
			State:     state,
			Mode:      "rate",
			Roll:      math.Sin(float64(i)/10) * 0.2,
			Pitch:     math.Cos(float64(i)/10) * 0.1,
			Throttle:  float64(i) / float64(n),
			Motors:    [4]float64{0.1, 0.2, 0.3, float64(i) / float64(n)},
		}
	}
	return records
}

func newTestDB(t *testing.T, records []telemetry.Record) (string, int64) {
	t.Helper()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flight.sqlite")
	store := storage.NewSqliteStore(path)
	defer store.Close()

	start := records[0].Timestamp
	id, err := store.CreateFlight(ctx, "flight", start, nil)
	if err != nil {
		t.Fatalf("creating flight: %v", err)
	}
	if err = store.StoreRecords(ctx, id, records); err != nil {
		t.Fatalf("storing records: %v", err)
	}
	event := telemetry.Event{
		Timestamp: start.Add(time.Second),
		Kind:      telemetry.EventSafety,
		Reason:    "link-lost",
	}
	if err = store.StoreEvent(ctx, id, event); err != nil {
		t.Fatalf("storing event: %v", err)
	}
	if err = store.FinishFlight(ctx, id, records[len(records)-1].Timestamp); err != nil {
		t.Fatalf("finishing flight: %v", err)
	}
	return path, id
}

func TestRun_List(t *testing.T) {
	start := time.Now().Add(-3 * time.Hour)
	path, _ := newTestDB(t, testRecords(start, 100))

	config := NewConfig()
	config.DBPath = path
	config.List = true

	var out bytes.Buffer
	if err := Run(context.Background(), config, &out, discard); err != nil {
		t.Fatalf("listing: %v", err)
	}

	for _, want := range []string{"1 flights", "flight", "3 hours ago", "1.98s", "100"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q:\n%s", want, out.String())
		}
	}
}

func TestRun_Plot(t *testing.T) {
	path, id := newTestDB(t, testRecords(time.Now(), 250))

	config := NewConfig()
	config.DBPath = path
	config.FlightID = id
	config.OutputPrefix = filepath.Join(t.TempDir(), "out")

	if err := Run(context.Background(), config, io.Discard, discard); err != nil {
		t.Fatalf("plotting: %v", err)
	}

	for _, chart := range []string{"attitude", "sticks", "motors"} {
		f, err := os.Open(config.OutputFile(chart))
		if err != nil {
			t.Fatalf("opening %s: %v", chart, err)
		}
		_, err = png.Decode(f)
		f.Close()
		if err != nil {
			t.Errorf("decoding %s: %v", chart, err)
		}
	}
}

func TestRun_MissingDatabase(t *testing.T) {
	config := NewConfig()
	config.DBPath = filepath.Join(t.TempDir(), "missing.sqlite")
	config.List = true

	if err := Run(context.Background(), config, io.Discard, discard); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadFlight(t *testing.T) {
	path, id := newTestDB(t, testRecords(time.Now(), 50))

	store := storage.NewSqliteStore(path)
	defer store.Close()

	data, err := readFlight(context.Background(), store, id, discard)
	if err != nil {
		t.Fatalf("reading flight: %v", err)
	}
	if data.Len() != 50 || len(data.Events) != 1 {
		t.Fatalf("expected 50 records and 1 event, got %d and %d", data.Len(), len(data.Events))
	}
	if data.Flight.ID != id || data.Duration() != 49*20*time.Millisecond {
		t.Errorf("unexpected flight data: %+v, %s", data.Flight, data.Duration())
	}
}
