// Package imu reads the MPU-9250 inertial sensor over I²C and fuses its
// readings into an orientation estimate.
package imu

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/io/i2c"
)

const (
	DefaultBus     = "/dev/i2c-1"
	DefaultAddress = 0x68
)

const (
	regSmplrtDiv   = 0x19
	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C
	regAccelXOutH  = 0x3B
	regPwrMgmt1    = 0x6B
	regWhoAmI      = 0x75

	whoAmIMPU9250 = 0x71
	whoAmIMPU9255 = 0x73

	accelScale = 8192.0 // LSB/g at ±4g
	gyroScale  = 65.5   // LSB/(°/s) at ±500°/s

	gravity  = 9.80665
	degToRad = math.Pi / 180.0
)

// ErrUnknownDevice is returned when the WHO_AM_I register does not identify
// an MPU-9250.
var ErrUnknownDevice = errors.New("unknown device")

// Bus is a register-level I²C connection to a single device. *i2c.Device
// implements it.
type Bus interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
	Close() error
}

// OpenBus opens the I²C device node dev and addresses the device at addr
func OpenBus(dev string, addr int) (Bus, error) {
	d, err := i2c.Open(&i2c.Devfs{Dev: dev}, addr)
	if err != nil {
		return nil, fmt.Errorf("opening %s@0x%02x: %w", dev, addr, err)
	}
	return d, nil
}

// Reading is a single calibrated sensor reading
type Reading struct {
	Accel [3]float64 // m/s²
	Gyro  [3]float64 // rad/s
}

// MPU9250 is a register driver for the accelerometer and gyroscope
type MPU9250 struct {
	bus      Bus
	gyroBias [3]float64
}

// NewMPU9250 creates a driver on bus. Init must be called before Read.
func NewMPU9250(bus Bus) *MPU9250 {
	return &MPU9250{bus: bus}
}

// Init identifies and configures the device: ±4g, ±500°/s, 41Hz low pass
func (m *MPU9250) Init() error {
	buf := make([]byte, 1)
	if err := m.bus.ReadReg(regWhoAmI, buf); err != nil {
		return fmt.Errorf("reading WHO_AM_I: %w", err)
	}
	if buf[0] != whoAmIMPU9250 && buf[0] != whoAmIMPU9255 {
		return fmt.Errorf("%w: WHO_AM_I=0x%02x", ErrUnknownDevice, buf[0])
	}

	steps := []struct {
		msg string
		reg byte
		val byte
	}{
		{msg: "resetting device", reg: regPwrMgmt1, val: 0x80},
		{msg: "selecting clock source", reg: regPwrMgmt1, val: 0x01},
		{msg: "configuring low pass filter", reg: regConfig, val: 0x03},
		{msg: "configuring sample rate", reg: regSmplrtDiv, val: 0x00},
		{msg: "configuring gyroscope", reg: regGyroConfig, val: 0x08},
		{msg: "configuring accelerometer", reg: regAccelConfig, val: 0x08},
	}
	for i, s := range steps {
		if err := m.bus.WriteReg(s.reg, []byte{s.val}); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
		if i == 0 {
			time.Sleep(100 * time.Millisecond) // reset settle time
		}
	}
	return nil
}

// Calibrate averages n readings taken at rest and removes the gyroscope bias
// from subsequent readings.
func (m *MPU9250) Calibrate(n int, interval time.Duration) error {
	if n <= 0 {
		return fmt.Errorf("invalid number of calibration samples: %d", n)
	}

	m.gyroBias = [3]float64{}

	var sum [3]float64
	for i := 0; i < n; i++ {
		r, err := m.Read()
		if err != nil {
			return fmt.Errorf("calibration sample %d: %w", i, err)
		}
		for axis := range sum {
			sum[axis] += r.Gyro[axis]
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}

	for axis := range sum {
		m.gyroBias[axis] = sum[axis] / float64(n)
	}
	return nil
}

// GyroBias returns the bias removed from gyroscope readings
func (m *MPU9250) GyroBias() [3]float64 {
	return m.gyroBias
}

// Read returns the current accelerometer and gyroscope reading
func (m *MPU9250) Read() (Reading, error) {
	buf := make([]byte, 14) // accel, temperature, gyro
	if err := m.bus.ReadReg(regAccelXOutH, buf); err != nil {
		return Reading{}, fmt.Errorf("reading sensor data: %w", err)
	}

	var r Reading
	for axis := 0; axis < 3; axis++ {
		rawAccel := int16(buf[axis*2])<<8 | int16(buf[axis*2+1])
		rawGyro := int16(buf[8+axis*2])<<8 | int16(buf[8+axis*2+1])

		r.Accel[axis] = float64(rawAccel) / accelScale * gravity
		r.Gyro[axis] = float64(rawGyro)/gyroScale*degToRad - m.gyroBias[axis]
	}
	return r, nil
}

// Close releases the bus
func (m *MPU9250) Close() error {
	return m.bus.Close()
}
