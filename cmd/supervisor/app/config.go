package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/flight-supervisor/internal/actuator"
	"github.com/roman-kulish/flight-supervisor/internal/ahrs"
	"github.com/roman-kulish/flight-supervisor/internal/groundlink"
	"github.com/roman-kulish/flight-supervisor/internal/imu"
	"github.com/roman-kulish/flight-supervisor/internal/radio"
	"github.com/roman-kulish/flight-supervisor/internal/rt"
	"github.com/roman-kulish/flight-supervisor/internal/safety"
	"github.com/roman-kulish/flight-supervisor/internal/stabilizer"
	"github.com/roman-kulish/flight-supervisor/internal/supervisor"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Validate rejects negative durations
func (d Duration) Validate() error {
	if d < 0 {
		return fmt.Errorf("app.Duration: must not be negative: %s", time.Duration(d))
	}
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config represents the main application configuration
type Config struct {
	Settings     Settings           `yaml:"settings" json:"settings"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Safety       SafetyConfig       `yaml:"safety" json:"safety"`
	Radio        RadioConfig        `yaml:"radio" json:"radio"`
	IMU          IMUConfig          `yaml:"imu" json:"imu"`
	Motors       MotorsConfig       `yaml:"motors" json:"motors"`
	Stabilizer   StabilizerConfig   `yaml:"stabilizer" json:"stabilizer"`
	ActuatorTest ActuatorTestConfig `yaml:"actuatorTest" json:"actuatorTest"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	GroundLink   GroundLinkConfig   `yaml:"groundlink" json:"groundlink"`
	Realtime     rt.Config          `yaml:"realtime" json:"realtime"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel" json:"logLevel"`
	Mode     string `yaml:"mode" json:"mode"`
}

// SchedulerConfig holds the loop periods
type SchedulerConfig struct {
	Fast             Duration `yaml:"fast" json:"fast"`
	Radio            Duration `yaml:"radio" json:"radio"`
	Motor            Duration `yaml:"motor" json:"motor"`
	Log              Duration `yaml:"log" json:"log"`
	SensorTestLog    Duration `yaml:"sensorTestLog" json:"sensorTestLog"`
	SensorTestUpdate Duration `yaml:"sensorTestUpdate" json:"sensorTestUpdate"`
	ActuatorTest     Duration `yaml:"actuatorTest" json:"actuatorTest"`
	Resolution       Duration `yaml:"resolution" json:"resolution"` // Longest idle sleep between ticks
}

// SafetyConfig represents safety monitor and pre-flight settings
type SafetyConfig struct {
	PollInterval      Duration `yaml:"pollInterval" json:"pollInterval"`
	LinkTimeout       Duration `yaml:"linkTimeout" json:"linkTimeout"`
	FaultThreshold    int      `yaml:"faultThreshold" json:"faultThreshold"`
	SensorTimeout     Duration `yaml:"sensorTimeout" json:"sensorTimeout"`
	PreFlightTimeout  Duration `yaml:"preFlightTimeout" json:"preFlightTimeout"`
	PreFlightInterval Duration `yaml:"preFlightInterval" json:"preFlightInterval"`
}

// RadioConfig represents the iBus receiver settings
type RadioConfig struct {
	SerialPort   string           `yaml:"serialPort" json:"serialPort"`
	BaudRate     int              `yaml:"baudRate" json:"baudRate"`
	Channels     radio.ChannelMap `yaml:"channels" json:"channels"`
	ArmThreshold uint16           `yaml:"armThreshold" json:"armThreshold"`
	LowThrottle  float64          `yaml:"lowThrottle" json:"lowThrottle"` // Arming requires throttle at or below
}

// IMUConfig represents the inertial sensor settings
type IMUConfig struct {
	Bus                string   `yaml:"bus" json:"bus"`
	Address            int      `yaml:"address" json:"address"`
	SampleInterval     Duration `yaml:"sampleInterval" json:"sampleInterval"`
	Beta               float64  `yaml:"beta" json:"beta"`
	LevelTolerance     float64  `yaml:"levelTolerance" json:"levelTolerance"` // Radians
	CalibrationSamples int      `yaml:"calibrationSamples" json:"calibrationSamples"`
}

// MotorsConfig represents the ESC outputs
type MotorsConfig struct {
	Pins      [4]int `yaml:"pins" json:"pins"`
	Frequency int    `yaml:"frequency" json:"frequency"`
	MinPulse  uint32 `yaml:"minPulse" json:"minPulse"`
	MaxPulse  uint32 `yaml:"maxPulse" json:"maxPulse"`
}

// StabilizerConfig represents controller gains and throttle thresholds
type StabilizerConfig struct {
	stabilizer.Config `yaml:",inline"`
	TakeoffThrottle   float64 `yaml:"takeoffThrottle" json:"takeoffThrottle"`
}

// ActuatorTestConfig represents the bench test pattern
type ActuatorTestConfig struct {
	Level float64  `yaml:"level" json:"level"`
	Step  Duration `yaml:"step" json:"step"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	DataDirectory string   `yaml:"dataDirectory" json:"dataDirectory"`
	MaxBatchSize  int      `yaml:"maxBatchSize" json:"maxBatchSize"`
	QueueSize     int      `yaml:"queueSize" json:"queueSize"`
	FlushInterval Duration `yaml:"flushInterval" json:"flushInterval"`
}

// GroundLinkConfig represents the ground station stream
type GroundLinkConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// DefaultConfig returns the configuration used for every key the file
// leaves out
func DefaultConfig() *Config {
	sup := supervisor.DefaultConfig()
	periods := sup.Periods

	return &Config{
		Settings: Settings{
			LogLevel: "info",
			Mode:     string(supervisor.ModeFlight),
		},
		Scheduler: SchedulerConfig{
			Fast:             Duration(periods.Fast),
			Radio:            Duration(periods.Radio),
			Motor:            Duration(periods.Motor),
			Log:              Duration(periods.Log),
			SensorTestLog:    Duration(periods.SensorTestLog),
			SensorTestUpdate: Duration(periods.SensorTestUpdate),
			ActuatorTest:     Duration(periods.ActuatorTest),
			Resolution:       Duration(sup.Resolution),
		},
		Safety: SafetyConfig{
			PollInterval:      Duration(safety.DefaultPollInterval),
			LinkTimeout:       Duration(safety.DefaultLinkTimeout),
			FaultThreshold:    safety.DefaultFaultThreshold,
			SensorTimeout:     Duration(sup.SensorTimeout),
			PreFlightTimeout:  Duration(sup.PreFlightTimeout),
			PreFlightInterval: Duration(sup.PreFlightInterval),
		},
		Radio: RadioConfig{
			SerialPort:   "/dev/serial0",
			BaudRate:     radio.DefaultBaudRate,
			Channels:     radio.DefaultChannelMap,
			ArmThreshold: radio.DefaultArmThreshold,
			LowThrottle:  sup.LowThrottle,
		},
		IMU: IMUConfig{
			Bus:                imu.DefaultBus,
			Address:            imu.DefaultAddress,
			SampleInterval:     Duration(imu.DefaultSampleInterval),
			Beta:               ahrs.DefaultBeta,
			LevelTolerance:     sup.LevelTolerance,
			CalibrationSamples: 500,
		},
		Motors: MotorsConfig{
			Pins:      [4]int{12, 13, 18, 19},
			Frequency: actuator.DefaultFrequency,
			MinPulse:  actuator.DefaultMinPulse,
			MaxPulse:  actuator.DefaultMaxPulse,
		},
		Stabilizer: StabilizerConfig{
			Config:          stabilizer.DefaultConfig(),
			TakeoffThrottle: sup.TakeoffThrottle,
		},
		ActuatorTest: ActuatorTestConfig{
			Level: sup.ActuatorTest.Level,
			Step:  Duration(sup.ActuatorTest.Step),
		},
		Storage: StorageConfig{
			Enabled:       true,
			DataDirectory: storageDir,
			MaxBatchSize:  telemetry.DefaultBatchSize,
			QueueSize:     telemetry.DefaultQueueSize,
			FlushInterval: Duration(telemetry.DefaultFlushInterval),
		},
		GroundLink: GroundLinkConfig{
			Address: groundlink.DefaultAddr,
		},
	}
}

// LoadConfig reads the YAML configuration file at path on top of the
// defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := DefaultConfig()
	if err = yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LogLevel parses settings.logLevel
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Settings.LogLevel)); err != nil {
		return level, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Mode parses settings.mode
func (c *Config) Mode() (supervisor.Mode, error) {
	return supervisor.ParseMode(c.Settings.Mode)
}

// Supervisor converts the file settings into the supervisor configuration
func (c *Config) Supervisor() supervisor.Config {
	cfg := supervisor.DefaultConfig()

	cfg.Periods = supervisor.Periods{
		Fast:             time.Duration(c.Scheduler.Fast),
		Radio:            time.Duration(c.Scheduler.Radio),
		Motor:            time.Duration(c.Scheduler.Motor),
		Log:              time.Duration(c.Scheduler.Log),
		SensorTestLog:    time.Duration(c.Scheduler.SensorTestLog),
		SensorTestUpdate: time.Duration(c.Scheduler.SensorTestUpdate),
		ActuatorTest:     time.Duration(c.Scheduler.ActuatorTest),
	}
	cfg.Resolution = time.Duration(c.Scheduler.Resolution)

	cfg.Safety = supervisor.SafetyConfig{
		PollInterval:   time.Duration(c.Safety.PollInterval),
		LinkTimeout:    time.Duration(c.Safety.LinkTimeout),
		FaultThreshold: c.Safety.FaultThreshold,
	}
	cfg.SensorTimeout = time.Duration(c.Safety.SensorTimeout)
	cfg.PreFlightTimeout = time.Duration(c.Safety.PreFlightTimeout)
	cfg.PreFlightInterval = time.Duration(c.Safety.PreFlightInterval)

	cfg.LowThrottle = c.Radio.LowThrottle
	cfg.TakeoffThrottle = c.Stabilizer.TakeoffThrottle
	cfg.LevelTolerance = c.IMU.LevelTolerance

	cfg.ActuatorTest = supervisor.ActuatorTestConfig{
		Level: c.ActuatorTest.Level,
		Step:  time.Duration(c.ActuatorTest.Step),
	}

	return cfg
}

// Actuator converts the motors section into the ESC configuration
func (c *Config) Actuator() actuator.Config {
	return actuator.Config{
		Pins:      c.Motors.Pins,
		Frequency: c.Motors.Frequency,
		MinPulse:  c.Motors.MinPulse,
		MaxPulse:  c.Motors.MaxPulse,
	}
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Mode(); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}

	for _, d := range []Duration{
		c.Scheduler.Fast, c.Scheduler.Radio, c.Scheduler.Motor, c.Scheduler.Log,
		c.Scheduler.SensorTestLog, c.Scheduler.SensorTestUpdate, c.Scheduler.ActuatorTest,
		c.Scheduler.Resolution, c.Safety.PollInterval, c.Safety.LinkTimeout,
		c.Safety.SensorTimeout, c.Safety.PreFlightTimeout, c.Safety.PreFlightInterval,
		c.IMU.SampleInterval, c.ActuatorTest.Step, c.Storage.FlushInterval,
	} {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.Supervisor().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if err := c.Radio.Channels.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("radio: %w", err))
	}
	if c.Radio.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("radio: invalid baud rate %d", c.Radio.BaudRate))
	}
	if c.IMU.SampleInterval <= 0 {
		errs = append(errs, errors.New("imu: sample interval must be positive"))
	}
	if c.IMU.CalibrationSamples < 0 {
		errs = append(errs, fmt.Errorf("imu: invalid calibration samples %d", c.IMU.CalibrationSamples))
	}
	if err := c.Actuator().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("motors: %w", err))
	}
	if err := c.Stabilizer.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stabilizer: %w", err))
	}
	if c.Storage.Enabled && (c.Storage.MaxBatchSize <= 0 || c.Storage.QueueSize <= 0) {
		errs = append(errs, errors.New("storage: batch and queue sizes must be positive"))
	}
	if c.GroundLink.Enabled && c.GroundLink.Address == "" {
		errs = append(errs, errors.New("groundlink: address is required"))
	}

	return errors.Join(errs...)
}
