package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/flight-supervisor/internal/supervisor"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}

	sup := config.Supervisor()
	if sup != supervisor.DefaultConfig() {
		t.Errorf("expected default supervisor configuration, got %+v", sup)
	}
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("loading configuration: %v", err)
	}

	mode, err := config.Mode()
	if err != nil || mode != supervisor.ModeOneDof {
		t.Errorf("expected mode %s, got %s (%v)", supervisor.ModeOneDof, mode, err)
	}
	if level, _ := config.LogLevel(); level != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", level)
	}

	sup := config.Supervisor()
	if sup.Periods.Fast != 4*time.Millisecond || sup.Periods.Radio != 10*time.Millisecond {
		t.Errorf("unexpected periods: %+v", sup.Periods)
	}
	// keys left out keep their defaults
	if sup.Periods.Motor != supervisor.DefaultPeriods().Motor {
		t.Errorf("expected default motor period, got %s", sup.Periods.Motor)
	}
	if sup.Safety.LinkTimeout != 250*time.Millisecond || sup.Safety.FaultThreshold != 5 {
		t.Errorf("unexpected safety settings: %+v", sup.Safety)
	}
	if sup.LowThrottle != 0.03 || sup.TakeoffThrottle != 0.25 {
		t.Errorf("unexpected throttle thresholds: %g, %g", sup.LowThrottle, sup.TakeoffThrottle)
	}
	if sup.ActuatorTest.Level != 0.15 || sup.ActuatorTest.Step != time.Second {
		t.Errorf("unexpected actuator test: %+v", sup.ActuatorTest)
	}

	if config.Radio.Channels.Arm != 6 || config.Radio.ArmThreshold != 1700 {
		t.Errorf("unexpected radio settings: %+v", config.Radio)
	}
	if config.Stabilizer.RollRate.P != 0.1 || config.Stabilizer.RollRate.D != 0.003 {
		t.Errorf("unexpected roll rate gains: %+v", config.Stabilizer.RollRate)
	}
	if config.Stabilizer.PitchRate.P == 0 {
		t.Error("expected default pitch rate gains to be kept")
	}
	if esc := config.Actuator(); esc.Frequency != 400 || esc.Pins[2] != 18 {
		t.Errorf("unexpected actuator settings: %+v", esc)
	}
	if time.Duration(config.IMU.SampleInterval) != time.Millisecond {
		t.Errorf("unexpected sample interval: %s", config.IMU.SampleInterval)
	}
	if config.Storage.MaxBatchSize != 50 || config.Storage.QueueSize == 0 {
		t.Errorf("unexpected storage settings: %+v", config.Storage)
	}
	if !config.GroundLink.Enabled || config.GroundLink.Address != ":9000" {
		t.Errorf("unexpected ground link settings: %+v", config.GroundLink)
	}
	if !config.Realtime.LockMemory || config.Realtime.CPU == nil || *config.Realtime.CPU != 3 {
		t.Errorf("unexpected realtime settings: %+v", config.Realtime)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "mode", yaml: "settings: {mode: hover}", want: "unknown mode"},
		{name: "log level", yaml: "settings: {logLevel: loud}", want: "log level"},
		{name: "duration", yaml: "scheduler: {fast: soon}", want: "failed to parse"},
		{name: "negative duration", yaml: "scheduler: {fast: -5ms}", want: "must not be negative"},
		{name: "throttle", yaml: "radio: {lowThrottle: 0.5}", want: "throttle thresholds"},
		{name: "channel", yaml: "radio: {channels: {arm: 20}}", want: "arm channel"},
		{name: "motors", yaml: "motors: {maxPulse: 900}", want: "pulse range"},
		{name: "stabilizer", yaml: "stabilizer: {maxAngle: 2}", want: "max angle"},
		{name: "groundlink", yaml: "groundlink: {enabled: true, address: ''}", want: "address is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDuration_YAML(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 1m30s"), &v); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if time.Duration(v.D) != 90*time.Second {
		t.Fatalf("expected 1m30s, got %s", v.D)
	}

	out, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	if strings.TrimSpace(string(out)) != "d: 1m30s" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCreateStorage(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 2, 14, 5, 9, 0, time.UTC)

	store, err := createStorage(&StorageConfig{DataDirectory: dir}, now)
	if err != nil {
		t.Fatalf("creating storage: %v", err)
	}
	defer store.Close()

	config := DefaultConfig()
	ctx := context.Background()
	id, err := store.CreateFlight(ctx, "flight", now, config)
	if err != nil {
		t.Fatalf("creating flight: %v", err)
	}

	if _, err = os.Stat(filepath.Join(dir, "flight_20240602_140509.sqlite")); err != nil {
		t.Fatalf("expected flight log file: %v", err)
	}

	flight, err := store.Flight(ctx, id)
	if err != nil {
		t.Fatalf("reading flight: %v", err)
	}
	if flight.Config == nil || !strings.Contains(*flight.Config, `"linkTimeout":"500ms"`) {
		t.Errorf("expected configuration snapshot, got %v", flight.Config)
	}
}

func TestCreateStorage_MissingDirectory(t *testing.T) {
	_, err := createStorage(&StorageConfig{DataDirectory: filepath.Join(t.TempDir(), "missing")}, time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
}
