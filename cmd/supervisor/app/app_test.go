package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/supervisor"
)

func TestClosers_RunInReverseOrder(t *testing.T) {
	var order []int
	var c closers
	for i := range 3 {
		c.add(func() { order = append(order, i) })
	}
	c.run()

	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Errorf("unexpected order %v", order)
	}
}

func TestWatch_CancelsWithCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	done := make(chan error, 1)
	failure := errors.New("port closed")
	done <- failure
	close(done)

	watch("radio", done, cancel)

	if !errors.Is(context.Cause(ctx), failure) {
		t.Errorf("expected cause to wrap the failure, got %v", context.Cause(ctx))
	}
}

func TestWatch_CleanStop(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	done := make(chan error)
	close(done)
	watch("imu", done, cancel)

	if ctx.Err() != nil {
		t.Errorf("expected context to stay live, got %v", context.Cause(ctx))
	}
}

func TestModePeripherals(t *testing.T) {
	tests := []struct {
		mode     supervisor.Mode
		sensor   bool
		receiver bool
	}{
		{mode: supervisor.ModeFlight, sensor: true, receiver: true},
		{mode: supervisor.ModeOneDof, sensor: true, receiver: true},
		{mode: supervisor.ModeSensorTest, sensor: true},
		{mode: supervisor.ModeActuatorTest},
	}

	for _, tt := range tests {
		if got := needsSensor(tt.mode); got != tt.sensor {
			t.Errorf("%s: expected needsSensor=%v, got %v", tt.mode, tt.sensor, got)
		}
		if got := needsReceiver(tt.mode); got != tt.receiver {
			t.Errorf("%s: expected needsReceiver=%v, got %v", tt.mode, tt.receiver, got)
		}
	}
}

func TestFlightLogName(t *testing.T) {
	local := time.FixedZone("AEST", 10*60*60)
	got := flightLogName(time.Date(2024, 6, 3, 0, 5, 9, 0, local))
	if got != "flight_20240602_140509.sqlite" {
		t.Errorf("unexpected name %q", got)
	}
}
