package app

import (
	"math"
	"time"

	"gonum.org/v1/plot/plotter"

	"github.com/roman-kulish/flight-supervisor/internal/storage"
	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

const radToDeg = 180 / math.Pi

// FlightData holds the series read from a stored flight
type FlightData struct {
	Flight *storage.Flight
	Events []telemetry.Event

	TimestampStart time.Time
	TimestampEnd   time.Time

	Times      []float64 // Seconds since TimestampStart
	Roll       []float64 // Degrees
	Pitch      []float64
	Yaw        []float64
	StickRoll  []float64
	StickPitch []float64
	StickYaw   []float64
	Throttle   []float64
	Motors     [4][]float64
	States     []string
}

func NewFlightData(flight *storage.Flight) *FlightData {
	return &FlightData{Flight: flight}
}

// Update appends a record. Records must arrive in time order.
func (d *FlightData) Update(r *telemetry.Record) {
	if len(d.Times) == 0 {
		d.TimestampStart = r.Timestamp
	}
	d.TimestampEnd = r.Timestamp

	d.Times = append(d.Times, r.Timestamp.Sub(d.TimestampStart).Seconds())
	d.Roll = append(d.Roll, r.Roll*radToDeg)
	d.Pitch = append(d.Pitch, r.Pitch*radToDeg)
	d.Yaw = append(d.Yaw, r.Yaw*radToDeg)
	d.StickRoll = append(d.StickRoll, r.StickRoll)
	d.StickPitch = append(d.StickPitch, r.StickPitch)
	d.StickYaw = append(d.StickYaw, r.StickYaw)
	d.Throttle = append(d.Throttle, r.Throttle)
	for i := range d.Motors {
		d.Motors[i] = append(d.Motors[i], r.Motors[i])
	}
	d.States = append(d.States, r.State)
}

// Len returns the number of records
func (d *FlightData) Len() int {
	return len(d.Times)
}

// Duration returns the time between the first and the last record
func (d *FlightData) Duration() time.Duration {
	return d.TimestampEnd.Sub(d.TimestampStart)
}

// XYs pairs values with the record times for plotting
func (d *FlightData) XYs(values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for i, v := range values {
		xys[i].X = d.Times[i]
		xys[i].Y = v
	}
	return xys
}

// Column summarises the records falling into one strip column
type Column struct {
	State  string
	Motors [4]float64 // Mean command over the column
}

// Columns splits the records into at most width columns
func (d *FlightData) Columns(width int) []Column {
	n := d.Len()
	if n == 0 || width <= 0 {
		return nil
	}

	cols := min(n, width)
	columns := make([]Column, cols)
	for c := range columns {
		lo, hi := c*n/cols, (c+1)*n/cols

		columns[c].State = d.States[lo]
		for m := range columns[c].Motors {
			var sum float64
			for i := lo; i < hi; i++ {
				sum += d.Motors[m][i]
			}
			columns[c].Motors[m] = sum / float64(hi-lo)
		}
	}
	return columns
}
