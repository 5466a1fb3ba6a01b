// Package ahrs implements the Madgwick gradient descent orientation filter.
package ahrs

import (
	"errors"
	"math"
	"time"
)

// DefaultBeta is the filter gain used when none is configured
const DefaultBeta = 0.1

var (
	// ErrZeroAccel is returned when the accelerometer vector has zero length
	ErrZeroAccel = errors.New("accelerometer vector is zero")

	// ErrZeroMag is returned when the magnetometer vector has zero length
	ErrZeroMag = errors.New("magnetometer vector is zero")

	// ErrInvalidInterval is returned for non-positive sample intervals
	ErrInvalidInterval = errors.New("invalid sample interval")
)

// Quaternion is a rotation quaternion, W being the scalar part
type Quaternion struct {
	W, X, Y, Z float64
}

// Identity is the quaternion of no rotation
var Identity = Quaternion{W: 1}

func (q Quaternion) mul(r Quaternion) Quaternion {
	return Quaternion{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

func (q Quaternion) conj() Quaternion {
	return Quaternion{W: q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
}

func (q Quaternion) norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

func (q Quaternion) scale(s float64) Quaternion {
	return Quaternion{W: q.W * s, X: q.X * s, Y: q.Y * s, Z: q.Z * s}
}

func (q Quaternion) add(r Quaternion) Quaternion {
	return Quaternion{W: q.W + r.W, X: q.X + r.X, Y: q.Y + r.Y, Z: q.Z + r.Z}
}

// Euler returns roll, pitch and yaw in radians (aerospace sequence)
func (q Quaternion) Euler() (roll, pitch, yaw float64) {
	roll = math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))
	pitch = math.Asin(clamp(2*(q.W*q.Y-q.Z*q.X), -1, 1))
	yaw = math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	return
}

// Madgwick fuses gyroscope, accelerometer and optionally magnetometer
// readings into an orientation quaternion. It is not safe for concurrent
// use.
type Madgwick struct {
	Beta float64 // Algorithm gain
	Q    Quaternion
}

// NewMadgwick creates a filter starting at the identity orientation
func NewMadgwick(beta float64) *Madgwick {
	if beta <= 0 {
		beta = DefaultBeta
	}
	return &Madgwick{Beta: beta, Q: Identity}
}

// UpdateIMU performs one update step from gyroscope (rad/s) and accelerometer
// (any unit) readings taken dt apart.
func (m *Madgwick) UpdateIMU(gyro, accel [3]float64, dt time.Duration) error {
	if dt <= 0 {
		return ErrInvalidInterval
	}

	a, ok := normalize(accel)
	if !ok {
		return ErrZeroAccel
	}

	q := m.Q

	// Objective function and its Jacobian for the gravity direction
	f := [3]float64{
		2*(q.X*q.Z-q.W*q.Y) - a[0],
		2*(q.W*q.X+q.Y*q.Z) - a[1],
		2*(0.5-q.X*q.X-q.Y*q.Y) - a[2],
	}
	j := [3][4]float64{
		{-2 * q.Y, 2 * q.Z, -2 * q.W, 2 * q.X},
		{2 * q.X, 2 * q.W, 2 * q.Z, 2 * q.Y},
		{0, -4 * q.X, -4 * q.Y, 0},
	}

	m.integrate(gyro, gradient(j[:], f[:]), dt)
	return nil
}

// Update performs one update step including magnetometer readings (any unit)
func (m *Madgwick) Update(gyro, accel, mag [3]float64, dt time.Duration) error {
	if dt <= 0 {
		return ErrInvalidInterval
	}

	a, ok := normalize(accel)
	if !ok {
		return ErrZeroAccel
	}
	mg, ok := normalize(mag)
	if !ok {
		return ErrZeroMag
	}

	q := m.Q

	// Reference direction of the earth's magnetic field
	h := q.mul(Quaternion{X: mg[0], Y: mg[1], Z: mg[2]}.mul(q.conj()))
	bx := math.Hypot(h.X, h.Y)
	bz := h.Z

	f := [6]float64{
		2*(q.X*q.Z-q.W*q.Y) - a[0],
		2*(q.W*q.X+q.Y*q.Z) - a[1],
		2*(0.5-q.X*q.X-q.Y*q.Y) - a[2],
		2*bx*(0.5-q.Y*q.Y-q.Z*q.Z) + 2*bz*(q.X*q.Z-q.W*q.Y) - mg[0],
		2*bx*(q.X*q.Y-q.W*q.Z) + 2*bz*(q.W*q.X+q.Y*q.Z) - mg[1],
		2*bx*(q.W*q.Y+q.X*q.Z) + 2*bz*(0.5-q.X*q.X-q.Y*q.Y) - mg[2],
	}
	j := [6][4]float64{
		{-2 * q.Y, 2 * q.Z, -2 * q.W, 2 * q.X},
		{2 * q.X, 2 * q.W, 2 * q.Z, 2 * q.Y},
		{0, -4 * q.X, -4 * q.Y, 0},
		{-2 * bz * q.Y, 2 * bz * q.Z, -4*bx*q.Y - 2*bz*q.W, -4*bx*q.Z + 2*bz*q.X},
		{-2*bx*q.Z + 2*bz*q.X, 2*bx*q.Y + 2*bz*q.W, 2*bx*q.X + 2*bz*q.Z, -2*bx*q.W + 2*bz*q.Y},
		{2 * bx * q.Y, 2*bx*q.Z - 4*bz*q.X, 2*bx*q.W - 4*bz*q.Y, 2 * bx * q.X},
	}

	m.integrate(gyro, gradient(j[:], f[:]), dt)
	return nil
}

// Euler returns the current roll, pitch and yaw in radians
func (m *Madgwick) Euler() (roll, pitch, yaw float64) {
	return m.Q.Euler()
}

// Reset returns the filter to the identity orientation
func (m *Madgwick) Reset() {
	m.Q = Identity
}

func (m *Madgwick) integrate(gyro [3]float64, step Quaternion, dt time.Duration) {
	qdot := m.Q.mul(Quaternion{X: gyro[0], Y: gyro[1], Z: gyro[2]}).scale(0.5)
	qdot = qdot.add(step.scale(-m.Beta))

	q := m.Q.add(qdot.scale(dt.Seconds()))
	if n := q.norm(); n > 0 {
		m.Q = q.scale(1 / n)
	}
}

// gradient returns the normalised J^T f
func gradient(j [][4]float64, f []float64) Quaternion {
	var s [4]float64
	for row := range j {
		for col := 0; col < 4; col++ {
			s[col] += j[row][col] * f[row]
		}
	}

	step := Quaternion{W: s[0], X: s[1], Y: s[2], Z: s[3]}
	if n := step.norm(); n > 0 {
		return step.scale(1 / n)
	}
	return Quaternion{}
}

func normalize(v [3]float64) ([3]float64, bool) {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return v, false
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, true
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
