package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/actuator"
	"github.com/roman-kulish/flight-supervisor/internal/groundlink"
	"github.com/roman-kulish/flight-supervisor/internal/imu"
	"github.com/roman-kulish/flight-supervisor/internal/radio"
	"github.com/roman-kulish/flight-supervisor/internal/rt"
	"github.com/roman-kulish/flight-supervisor/internal/stabilizer"
	"github.com/roman-kulish/flight-supervisor/internal/storage"
	"github.com/roman-kulish/flight-supervisor/internal/supervisor"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

const (
	storageDir = "data"

	calibrationInterval = 2 * time.Millisecond
)

// closers runs cleanup functions in reverse order of registration
type closers []func()

func (c *closers) add(fn func()) {
	*c = append(*c, fn)
}

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// Run opens the peripherals the configured mode needs, sets up the
// supervisor and runs it until the vehicle exits or ctx is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	mode, err := config.Mode()
	if err != nil {
		return err
	}

	if err = rt.Apply(config.Realtime, logger); err != nil {
		logger.Warn(fmt.Sprintf("real-time tuning incomplete: %s", err.Error()))
	}

	var cleanup closers
	defer cleanup.run()

	// A failing peripheral ends the run
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	esc, err := actuator.Open(config.Actuator(), actuator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening actuators: %w", err)
	}
	cleanup.add(func() {
		if err := esc.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing actuators: %s", err.Error()))
		}
	})

	p := supervisor.Peripherals{Actuator: esc}

	if needsSensor(mode) {
		sensor, err := openSensor(ctx, &config.IMU, logger, &cleanup, cancel)
		if err != nil {
			return fmt.Errorf("opening sensor: %w", err)
		}
		p.Sensor = sensor
	}

	if needsReceiver(mode) || mode == supervisor.ModeSensorTest {
		receiver, err := openReceiver(ctx, &config.Radio, logger, &cleanup, cancel)
		switch {
		case err == nil:
			p.Receiver = receiver
		case mode == supervisor.ModeSensorTest:
			logger.Warn(fmt.Sprintf("continuing without receiver: %s", err.Error()))
		default:
			return fmt.Errorf("opening receiver: %w", err)
		}
	}

	if needsReceiver(mode) {
		stab, err := stabilizer.New(config.Stabilizer.Config)
		if err != nil {
			return fmt.Errorf("creating stabilizer: %w", err)
		}
		p.Stabilizer = stab
	}

	// sinks is complete before the supervisor is set up
	var sinks telemetry.Fanout
	p.Telemetry = &sinks

	if config.Storage.Enabled {
		recorder, err := openFlightLog(ctx, config, mode, logger, &cleanup)
		if err != nil {
			return fmt.Errorf("opening flight log: %w", err)
		}
		sinks = append(sinks, recorder)
	}

	sup, err := supervisor.New(p,
		supervisor.WithLogger(logger),
		supervisor.WithConfig(config.Supervisor()))
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}
	cleanup.add(func() {
		if err := sup.Shutdown(); err != nil {
			logger.Error(fmt.Sprintf("shutting down: %s", err.Error()))
		}
	})

	if config.GroundLink.Enabled {
		server := groundlink.New(config.GroundLink.Address, sup.Machine(),
			groundlink.WithLogger(logger),
			groundlink.WithDisarm(sup.Disarm))

		done, err := server.Start()
		if err != nil {
			return fmt.Errorf("starting ground link: %w", err)
		}
		go watch("groundlink", done, cancel)
		cleanup.add(func() {
			if err := server.Close(); err != nil {
				logger.Error(fmt.Sprintf("closing ground link: %s", err.Error()))
			}
		})
		sinks = append(sinks, server)
	}

	if err = setup(ctx, sup, mode); err != nil {
		return fmt.Errorf("setting up %s: %w", mode, err)
	}

	if err = sup.Run(ctx); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func setup(ctx context.Context, sup *supervisor.Supervisor, mode supervisor.Mode) error {
	switch mode {
	case supervisor.ModeFlight:
		return sup.SetupFlight(ctx)
	case supervisor.ModeOneDof:
		return sup.SetupOneDof(ctx)
	case supervisor.ModeSensorTest:
		return sup.SetupSensorTest(ctx)
	case supervisor.ModeActuatorTest:
		return sup.SetupActuatorTest(ctx)
	default:
		return fmt.Errorf("unknown mode '%s'", mode)
	}
}

func needsSensor(mode supervisor.Mode) bool {
	return mode != supervisor.ModeActuatorTest
}

func needsReceiver(mode supervisor.Mode) bool {
	return mode == supervisor.ModeFlight || mode == supervisor.ModeOneDof
}

func openSensor(ctx context.Context, config *IMUConfig, logger *slog.Logger, cleanup *closers, fail context.CancelCauseFunc) (*imu.Sensor, error) {
	bus, err := imu.OpenBus(config.Bus, config.Address)
	if err != nil {
		return nil, err
	}

	mpu := imu.NewMPU9250(bus)
	if err = mpu.Init(); err != nil {
		return nil, errors.Join(err, mpu.Close())
	}

	if config.CalibrationSamples > 0 {
		logger.Info("calibrating gyroscope, keep the vehicle still", slog.Int("samples", config.CalibrationSamples))
		if err = mpu.Calibrate(config.CalibrationSamples, calibrationInterval); err != nil {
			return nil, errors.Join(err, mpu.Close())
		}
		bias := mpu.GyroBias()
		logger.Info("gyroscope calibrated", slog.Any("bias", bias[:]))
	}

	sensor := imu.NewSensor(mpu,
		imu.WithLogger(logger),
		imu.WithSampleInterval(time.Duration(config.SampleInterval)),
		imu.WithBeta(config.Beta))

	done, err := sensor.Start(ctx)
	if err != nil {
		return nil, errors.Join(err, mpu.Close())
	}
	go watch("imu", done, fail)

	cleanup.add(func() {
		sensor.Stop()
		if err := mpu.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing sensor: %s", err.Error()))
		}
	})

	return sensor, nil
}

func openReceiver(ctx context.Context, config *RadioConfig, logger *slog.Logger, cleanup *closers, fail context.CancelCauseFunc) (*radio.Receiver, error) {
	receiver, err := radio.Open(config.SerialPort, config.BaudRate,
		radio.WithLogger(logger),
		radio.WithChannelMap(config.Channels),
		radio.WithArmThreshold(config.ArmThreshold))
	if err != nil {
		return nil, err
	}

	done, err := receiver.Start(ctx)
	if err != nil {
		return nil, errors.Join(err, receiver.Stop())
	}
	go watch("radio", done, fail)

	cleanup.add(func() {
		if err := receiver.Stop(); err != nil {
			logger.Debug(fmt.Sprintf("closing receiver: %s", err.Error()))
		}
	})

	return receiver, nil
}

// openFlightLog creates a flight in a new SQLite file and starts a recorder
// persisting into it
func openFlightLog(ctx context.Context, config *Config, mode supervisor.Mode, logger *slog.Logger, cleanup *closers) (*telemetry.Recorder, error) {
	store, err := createStorage(&config.Storage, time.Now())
	if err != nil {
		return nil, err
	}
	cleanup.add(func() {
		if err := store.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing storage: %s", err.Error()))
		}
	})

	flightID, err := store.CreateFlight(ctx, string(mode), time.Now(), config)
	if err != nil {
		return nil, fmt.Errorf("creating flight: %w", err)
	}
	cleanup.add(func() {
		// ctx is cancelled by now
		if err := store.FinishFlight(context.Background(), flightID, time.Now()); err != nil {
			logger.Error(fmt.Sprintf("finishing flight: %s", err.Error()))
		}
	})

	recorder, err := telemetry.NewRecorder(storage.NewFlightWriter(store, flightID),
		telemetry.WithLogger(logger),
		telemetry.WithBatchSize(config.Storage.MaxBatchSize),
		telemetry.WithQueueSize(config.Storage.QueueSize),
		telemetry.WithFlushInterval(time.Duration(config.Storage.FlushInterval)))
	if err != nil {
		return nil, fmt.Errorf("creating recorder: %w", err)
	}

	if err = recorder.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting recorder: %w", err)
	}
	cleanup.add(func() {
		if err := recorder.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing recorder: %s", err.Error()))
		}
		stats := recorder.Stats()
		logger.Info("flight log closed",
			slog.Int64("flight", flightID),
			slog.Uint64("stored", stats.Stored),
			slog.Uint64("dropped", stats.Dropped),
			slog.Uint64("failed", stats.Failed))
	})

	logger.Info("flight log opened", slog.Int64("flight", flightID))
	return recorder, nil
}

func createStorage(config *StorageConfig, now time.Time) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbPath := config.DataDirectory
	if dbPath == "" {
		dbPath = storageDir
	}
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(wd, dbPath)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, flightLogName(now))
	return storage.NewSqliteStore(dbPath), nil
}

func flightLogName(t time.Time) string {
	return fmt.Sprintf("flight_%s.sqlite", t.UTC().Format("20060102_150405"))
}

// watch cancels the run with the first error a component reports
func watch(component string, done <-chan error, fail context.CancelCauseFunc) {
	if err, ok := <-done; ok && err != nil {
		fail(fmt.Errorf("%s stopped: %w", component, err))
	}
}
