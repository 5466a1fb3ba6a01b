package app

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	chartWidth  = 10 * vg.Inch
	chartHeight = 4 * vg.Inch
)

var seriesColors = []color.RGBA{
	{R: 0xea, G: 0x43, B: 0x35, A: 0xff},
	{R: 0x34, G: 0xa8, B: 0x53, A: 0xff},
	{R: 0x42, G: 0x85, B: 0xf4, A: 0xff},
	{R: 0x21, G: 0x21, B: 0x21, A: 0xff},
}

type series struct {
	name   string
	values []float64
}

// newChart plots the series against flight time
func newChart(data *FlightData, title, yLabel string, lines ...series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, s := range lines {
		line, err := plotter.NewLine(data.XYs(s.values))
		if err != nil {
			return nil, fmt.Errorf("plotting %s: %w", s.name, err)
		}
		line.Color = seriesColors[i%len(seriesColors)]
		line.Width = vg.Points(1)

		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	return p, nil
}

func attitudeChart(data *FlightData) (*plot.Plot, error) {
	return newChart(data, chartTitle(data, "attitude"), "Angle (°)",
		series{name: "roll", values: data.Roll},
		series{name: "pitch", values: data.Pitch},
		series{name: "yaw", values: data.Yaw})
}

func sticksChart(data *FlightData) (*plot.Plot, error) {
	p, err := newChart(data, chartTitle(data, "sticks"), "Deflection",
		series{name: "roll", values: data.StickRoll},
		series{name: "pitch", values: data.StickPitch},
		series{name: "yaw", values: data.StickYaw},
		series{name: "throttle", values: data.Throttle})
	if err != nil {
		return nil, err
	}
	p.Y.Min, p.Y.Max = -1, 1
	return p, nil
}

func chartTitle(data *FlightData, name string) string {
	if data.Flight == nil {
		return name
	}
	return fmt.Sprintf("Flight %d (%s): %s", data.Flight.ID, data.Flight.Mode, name)
}

func saveChart(p *plot.Plot, path string) error {
	if err := p.Save(chartWidth, chartHeight, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}
