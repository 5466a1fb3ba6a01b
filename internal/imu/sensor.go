package imu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/ahrs"
	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

const (
	DefaultSampleInterval = 2 * time.Millisecond

	// ReadErrorsThreshold is the number of consecutive read errors after
	// which the sampling goroutine gives up
	ReadErrorsThreshold = 50
)

// Reader produces raw sensor readings. *MPU9250 implements it.
type Reader interface {
	Read() (Reading, error)
}

// WithLogger sets the logger for the sensor
func WithLogger(logger *slog.Logger) func(*Sensor) {
	return func(s *Sensor) {
		s.logger = logger.With(slog.String("component", "imu"))
	}
}

// WithSampleInterval sets the time between sensor reads
func WithSampleInterval(d time.Duration) func(*Sensor) {
	return func(s *Sensor) {
		s.interval = d
	}
}

// WithBeta sets the Madgwick filter gain
func WithBeta(beta float64) func(*Sensor) {
	return func(s *Sensor) {
		s.filter = ahrs.NewMadgwick(beta)
	}
}

// WithClock sets the time source used to stamp readings
func WithClock(clock func() time.Time) func(*Sensor) {
	return func(s *Sensor) {
		s.clock = clock
	}
}

// Sensor samples a Reader in its own goroutine, fuses readings into an
// orientation estimate and publishes the latest one. It implements
// peripheral.Sensor: Sample never blocks.
type Sensor struct {
	reader   Reader
	filter   *ahrs.Madgwick
	interval time.Duration
	clock    func() time.Time

	mu     sync.RWMutex
	latest peripheral.Orientation
	valid  bool
	last   time.Time // Time of the previous fused reading

	samples atomic.Uint64
	errors  atomic.Uint64

	isSampling atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	logger *slog.Logger
}

// NewSensor creates a sensor reading from r
func NewSensor(r Reader, options ...func(*Sensor)) *Sensor {
	s := Sensor{
		reader:   r,
		filter:   ahrs.NewMadgwick(ahrs.DefaultBeta),
		interval: DefaultSampleInterval,
		clock:    time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Start begins sampling. The returned channel receives an error if sampling
// stops because of persistent read failures, and is closed when the sampling
// goroutine exits.
func (s *Sensor) Start(ctx context.Context) (<-chan error, error) {
	if s.interval <= 0 {
		return nil, fmt.Errorf("invalid sample interval: %s", s.interval)
	}
	if !s.isSampling.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("sensor is already sampling")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer s.isSampling.Store(false)

		s.logger.Info("sampling started", slog.Duration("interval", s.interval))

		if err := s.run(ctx); err != nil {
			s.logger.Error(err.Error())
			done <- err
		}

		s.logger.Info("sampling stopped",
			slog.Uint64("samples", s.samples.Load()),
			slog.Uint64("errors", s.errors.Load()))
	}()

	return done, nil
}

// Stop cancels sampling and waits for the goroutine to exit
func (s *Sensor) Stop() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	s.wg.Wait()
}

func (s *Sensor) run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var readErrors int
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := s.Update(); err != nil {
				readErrors++
				s.logger.Warn(err.Error())

				if readErrors >= ReadErrorsThreshold {
					return fmt.Errorf("too many consecutive read errors: %w", err)
				}
				continue
			}
			readErrors = 0
		}
	}
}

// Update takes one reading and fuses it into the estimate. It is called by
// the sampling goroutine and may be called directly when the sensor is not
// sampling on its own.
func (s *Sensor) Update() error {
	r, err := s.reader.Read()
	if err != nil {
		s.errors.Add(1)
		return err
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	dt := s.interval
	if !s.last.IsZero() {
		dt = now.Sub(s.last)
	}
	s.last = now

	if err = s.filter.UpdateIMU(r.Gyro, r.Accel, dt); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("fusing reading: %w", err)
	}

	roll, pitch, yaw := s.filter.Euler()
	s.latest = peripheral.Orientation{
		Timestamp: now,
		Roll:      roll,
		Pitch:     pitch,
		Yaw:       yaw,
		RollRate:  r.Gyro[0],
		PitchRate: r.Gyro[1],
		YawRate:   r.Gyro[2],
		Accel:     r.Accel,
	}
	s.valid = true
	s.samples.Add(1)

	return nil
}

// Sample returns the latest orientation estimate
func (s *Sensor) Sample() (peripheral.Orientation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.valid {
		return peripheral.Orientation{}, peripheral.ErrNoSample
	}
	return s.latest, nil
}

// Stats returns the number of fused readings and failed reads
func (s *Sensor) Stats() (samples, errors uint64) {
	return s.samples.Load(), s.errors.Load()
}
