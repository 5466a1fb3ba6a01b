package stabilizer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

const step = 5 * time.Millisecond

func proportionalConfig() Config {
	cfg := DefaultConfig()
	cfg.RollRate = Gains{P: 0.1}
	cfg.PitchRate = Gains{P: 0.1}
	cfg.YawRate = Gains{P: 0.1}
	cfg.RollAngle = Gains{P: 4}
	cfg.PitchAngle = Gains{P: 4}
	return cfg
}

func newStabilizer(t *testing.T, cfg Config) *Stabilizer {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("creating stabilizer: %v", err)
	}
	return s
}

func TestCompute_InvalidInput(t *testing.T) {
	s := newStabilizer(t, DefaultConfig())
	in := peripheral.StickInput{Throttle: 0.5}

	if _, err := s.Compute(peripheral.Orientation{}, in, peripheral.ModeRate, 0); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
	if _, err := s.Compute(peripheral.Orientation{Roll: math.NaN()}, in, peripheral.ModeRate, step); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.Compute(peripheral.Orientation{}, in, peripheral.FlightMode(42), step); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown mode, got %v", err)
	}
}

func TestCompute_LowThrottleIdles(t *testing.T) {
	cfg := DefaultConfig()
	s := newStabilizer(t, cfg)

	cmd, err := s.Compute(peripheral.Orientation{Roll: 0.3}, peripheral.StickInput{Roll: 1}, peripheral.ModeAngle, step)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i, m := range cmd.Motors {
		if m != cfg.IdleThrottle {
			t.Errorf("motor %d: expected idle %f, got %f", i+1, cfg.IdleThrottle, m)
		}
	}
}

func TestCompute_LevelHover(t *testing.T) {
	s := newStabilizer(t, DefaultConfig())

	cmd, err := s.Compute(peripheral.Orientation{}, peripheral.StickInput{Throttle: 0.5}, peripheral.ModeAngle, step)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i, m := range cmd.Motors {
		if math.Abs(m-0.5) > 1e-9 {
			t.Errorf("motor %d: expected 0.5, got %f", i+1, m)
		}
	}
}

func TestCompute_MixerDirections(t *testing.T) {
	tests := []struct {
		name   string
		o      peripheral.Orientation
		in     peripheral.StickInput
		mode   peripheral.FlightMode
		higher []int
		lower  []int
	}{
		{
			name:   "roll right in rate mode",
			in:     peripheral.StickInput{Roll: 0.5, Throttle: 0.5},
			mode:   peripheral.ModeRate,
			higher: []int{FrontLeft, RearLeft},
			lower:  []int{FrontRight, RearRight},
		},
		{
			name:   "pitch up in rate mode",
			in:     peripheral.StickInput{Pitch: 0.5, Throttle: 0.5},
			mode:   peripheral.ModeRate,
			higher: []int{FrontLeft, FrontRight},
			lower:  []int{RearLeft, RearRight},
		},
		{
			name:   "yaw right",
			in:     peripheral.StickInput{Yaw: 0.5, Throttle: 0.5},
			mode:   peripheral.ModeRate,
			higher: []int{FrontRight, RearLeft},
			lower:  []int{FrontLeft, RearRight},
		},
		{
			name:   "level a right roll in angle mode",
			o:      peripheral.Orientation{Roll: 0.2},
			in:     peripheral.StickInput{Throttle: 0.5},
			mode:   peripheral.ModeAngle,
			higher: []int{FrontRight, RearRight},
			lower:  []int{FrontLeft, RearLeft},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStabilizer(t, proportionalConfig())

			cmd, err := s.Compute(tt.o, tt.in, tt.mode, step)
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			for _, h := range tt.higher {
				for _, l := range tt.lower {
					if cmd.Motors[h] <= cmd.Motors[l] {
						t.Errorf("expected motor %d > motor %d, got %v", h+1, l+1, cmd.Motors)
					}
				}
			}
		})
	}
}

func TestCompute_OutputClamped(t *testing.T) {
	cfg := proportionalConfig()
	s := newStabilizer(t, cfg)

	cmd, err := s.Compute(peripheral.Orientation{}, peripheral.StickInput{Roll: 1, Throttle: 0.95}, peripheral.ModeRate, step)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i, m := range cmd.Motors {
		if m < cfg.IdleThrottle || m > 1 {
			t.Errorf("motor %d: output %f outside [%f, 1]", i+1, m, cfg.IdleThrottle)
		}
	}
	if cmd.Motors[FrontLeft] != 1 {
		t.Errorf("expected saturated front-left motor, got %f", cmd.Motors[FrontLeft])
	}
}

func TestCompute_OneDof(t *testing.T) {
	s := newStabilizer(t, proportionalConfig())

	cmd, err := s.Compute(peripheral.Orientation{Roll: -0.1}, peripheral.StickInput{Throttle: 0.4}, peripheral.ModeOneDof, step)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if cmd.Motors[RigLeft] <= cmd.Motors[RigRight] {
		t.Errorf("expected left side to push the beam back up, got %v", cmd.Motors)
	}
	for _, i := range []int{2, 3} {
		if cmd.Motors[i] != 0 {
			t.Errorf("motor %d is not on the rig and must stay at zero, got %f", i+1, cmd.Motors[i])
		}
	}
}

func TestReset(t *testing.T) {
	cfg := DefaultConfig()
	o := peripheral.Orientation{RollRate: 0.3}
	in := peripheral.StickInput{Throttle: 0.5}

	s := newStabilizer(t, cfg)
	first, err := s.Compute(o, in, peripheral.ModeRate, step)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		if _, err = s.Compute(o, in, peripheral.ModeRate, step); err != nil {
			t.Fatal(err)
		}
	}

	s.Reset()
	again, err := s.Compute(o, in, peripheral.ModeRate, step)
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Errorf("expected output after reset to match a fresh controller: %v != %v", again, first)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxAngle = math.Pi
	if err := cfg.Validate(); err == nil {
		t.Error("expected max angle beyond 90 degrees to be rejected")
	}

	cfg = DefaultConfig()
	cfg.IdleThrottle = 1
	if _, err := New(cfg); err == nil {
		t.Error("expected idle throttle of 1 to be rejected")
	}
}
