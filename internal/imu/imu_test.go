package imu

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

type fakeBus struct {
	mu     sync.Mutex
	regs   map[byte][]byte
	writes map[byte][]byte
	err    error
	closed bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs:   map[byte][]byte{regWhoAmI: {whoAmIMPU9250}},
		writes: make(map[byte][]byte),
	}
}

func (b *fakeBus) ReadReg(reg byte, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	copy(buf, b.regs[reg])
	return nil
}

func (b *fakeBus) WriteReg(reg byte, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes[reg] = append([]byte(nil), buf...)
	return nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

// setRaw stores raw accelerometer and gyroscope counts in the data registers
func (b *fakeBus) setRaw(accel, gyro [3]int16) {
	buf := make([]byte, 14)
	for axis := 0; axis < 3; axis++ {
		buf[axis*2] = byte(uint16(accel[axis]) >> 8)
		buf[axis*2+1] = byte(uint16(accel[axis]))
		buf[8+axis*2] = byte(uint16(gyro[axis]) >> 8)
		buf[8+axis*2+1] = byte(uint16(gyro[axis]))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[regAccelXOutH] = buf
}

func TestMPU9250_Init(t *testing.T) {
	bus := newFakeBus()
	m := NewMPU9250(bus)

	if err := m.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := bus.writes[regGyroConfig]; len(got) != 1 || got[0] != 0x08 {
		t.Errorf("expected ±500°/s gyro configuration, got %v", got)
	}
	if got := bus.writes[regAccelConfig]; len(got) != 1 || got[0] != 0x08 {
		t.Errorf("expected ±4g accelerometer configuration, got %v", got)
	}

	bus.regs[regWhoAmI] = []byte{0x12}
	if err := m.Init(); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}

	if err := m.Close(); err != nil || !bus.closed {
		t.Error("expected bus to be closed")
	}
}

func TestMPU9250_Read(t *testing.T) {
	bus := newFakeBus()
	m := NewMPU9250(bus)

	// 1g on z, -0.5g on x, 65.5 counts = 1°/s on y, negative rate on z
	bus.setRaw([3]int16{-4096, 0, 8192}, [3]int16{0, 655, -131})

	r, err := m.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	checks := []struct {
		name      string
		got, want float64
	}{
		{"accel x", r.Accel[0], -0.5 * gravity},
		{"accel z", r.Accel[2], gravity},
		{"gyro y", r.Gyro[1], 10 * degToRad},
		{"gyro z", r.Gyro[2], -2 * degToRad},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s: expected %f, got %f", c.name, c.want, c.got)
		}
	}

	bus.err = errors.New("bus error")
	if _, err = m.Read(); err == nil {
		t.Error("expected read error")
	}
}

func TestMPU9250_Calibrate(t *testing.T) {
	bus := newFakeBus()
	m := NewMPU9250(bus)
	bus.setRaw([3]int16{0, 0, 8192}, [3]int16{131, -131, 0})

	if err := m.Calibrate(10, 0); err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	bias := m.GyroBias()
	if math.Abs(bias[0]-2*degToRad) > 1e-9 || math.Abs(bias[1]+2*degToRad) > 1e-9 {
		t.Errorf("unexpected bias: %v", bias)
	}

	r, _ := m.Read()
	for axis, v := range r.Gyro {
		if math.Abs(v) > 1e-9 {
			t.Errorf("axis %d: expected zero rate after calibration, got %f", axis, v)
		}
	}

	if err := m.Calibrate(0, 0); err == nil {
		t.Error("expected error for zero calibration samples")
	}
}

type scriptedReader struct {
	mu  sync.Mutex
	r   Reading
	err error
}

func (s *scriptedReader) Read() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r, s.err
}

func TestSensor_Update(t *testing.T) {
	reader := &scriptedReader{r: Reading{Accel: [3]float64{0, 0, gravity}, Gyro: [3]float64{0.1, 0, 0}}}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSensor(reader, WithClock(func() time.Time { return now }))

	if _, err := s.Sample(); !errors.Is(err, peripheral.ErrNoSample) {
		t.Fatalf("expected ErrNoSample before the first reading, got %v", err)
	}

	if err := s.Update(); err != nil {
		t.Fatalf("update: %v", err)
	}

	o, err := s.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if !o.Timestamp.Equal(now) || o.RollRate != 0.1 || o.Accel[2] != gravity {
		t.Errorf("unexpected orientation: %+v", o)
	}

	reader.err = errors.New("bus error")
	if err = s.Update(); err == nil {
		t.Error("expected update error")
	}

	// The previous estimate stays available
	if o2, err := s.Sample(); err != nil || !o2.Timestamp.Equal(now) {
		t.Errorf("expected stale estimate to be kept, got %+v (%v)", o2, err)
	}

	samples, errs := s.Stats()
	if samples != 1 || errs != 1 {
		t.Errorf("expected 1 sample and 1 error, got %d and %d", samples, errs)
	}
}

func TestSensor_Sampling(t *testing.T) {
	reader := &scriptedReader{r: Reading{Accel: [3]float64{0, 0, gravity}}}
	s := NewSensor(reader, WithSampleInterval(time.Millisecond), WithBeta(0.2))

	done, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err = s.Start(context.Background()); err == nil {
		t.Error("expected error starting twice")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err = s.Sample(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no sample produced")
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	if err, ok := <-done; ok {
		t.Errorf("expected clean stop, got %v", err)
	}
}

func TestSensor_GivesUpOnPersistentErrors(t *testing.T) {
	reader := &scriptedReader{err: errors.New("bus error")}
	s := NewSensor(reader, WithSampleInterval(100*time.Microsecond))

	done, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sampling did not stop")
	}
	s.Stop()
}
