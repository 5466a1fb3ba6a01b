package app

import (
	"image/color"
	"math"

	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

const (
	ClassicTheme   ColorTheme = "classic"   // Blue to red transition
	GrayscaleTheme ColorTheme = "grayscale" // Black to white transition
	ThermalTheme   ColorTheme = "thermal"   // Black to red to yellow to white

	DefaultColorMapSize = 256
)

// ColorTheme names a predefined scheme for motor command values
type ColorTheme string

var colorThemes = map[ColorTheme]func(float64) color.Color{
	ClassicTheme: func(v float64) color.Color {
		return HSV{
			H: 240 - (v * 240),
			S: 0.9 + (v * 0.1),
			V: 0.2 + math.Pow(v, 0.7)*0.8,
		}.RGB()
	},

	GrayscaleTheme: func(v float64) color.Color {
		g := uint8(math.Pow(v, 0.7) * 255)
		return color.RGBA{R: g, G: g, B: g, A: 255}
	},

	ThermalTheme: func(v float64) color.Color {
		switch {
		case v < 0.33:
			return color.RGBA{R: uint8(v * 3 * 255), A: 255}
		case v < 0.66:
			return color.RGBA{R: 255, G: uint8((v - 0.33) * 3 * 255), A: 255}
		default:
			return color.RGBA{R: 255, G: 255, B: uint8(min(1, (v-0.66)*3) * 255), A: 255}
		}
	},
}

var stateColors = map[vehicle.State]color.RGBA{
	vehicle.NotReadyToFly:   {R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff},
	vehicle.ReadyToFly:      {R: 0x42, G: 0x85, B: 0xf4, A: 0xff},
	vehicle.Armed:           {R: 0xfb, G: 0xbc, B: 0x05, A: 0xff},
	vehicle.Flying:          {R: 0x34, G: 0xa8, B: 0x53, A: 0xff},
	vehicle.OneDofTestReady: {R: 0x00, G: 0xac, B: 0xc1, A: 0xff},
	vehicle.Disarmed:        {R: 0xea, G: 0x43, B: 0x35, A: 0xff},
	vehicle.Running:         {R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff},
	vehicle.Exiting:         {R: 0x21, G: 0x21, B: 0x21, A: 0xff},
}

var unknownStateColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// StateColor returns the strip color of a stored state name
func StateColor(name string) color.RGBA {
	s, err := vehicle.ParseState(name)
	if err != nil {
		return unknownStateColor
	}
	return stateColors[s]
}

// ColorMapper maps motor commands in the 0..1 range to colors using a
// pre-computed table
type ColorMapper struct {
	colorMap []color.Color
	size     int
}

func NewColorMapper(theme ColorTheme, size int) *ColorMapper {
	if size <= 1 {
		size = DefaultColorMapSize
	}

	fn, ok := colorThemes[theme]
	if !ok {
		fn = colorThemes[ClassicTheme]
	}

	cm := ColorMapper{
		colorMap: make([]color.Color, size),
		size:     size,
	}
	for i := range size {
		cm.colorMap[i] = fn(float64(i) / float64(size-1))
	}
	return &cm
}

// Color returns the color for v. Values outside 0..1 are clamped.
func (cm *ColorMapper) Color(v float64) color.Color {
	if math.IsNaN(v) {
		return cm.colorMap[0]
	}
	index := int(math.Round(v * float64(cm.size-1)))
	index = max(0, min(cm.size-1, index))
	return cm.colorMap[index]
}

// HSV represents a color in HSV color space
type HSV struct {
	H float64 // Hue [0-360]
	S float64 // Saturation [0-1]
	V float64 // Value [0-1]
}

// RGB converts HSV color space to RGB
func (hsv HSV) RGB() color.Color {
	if hsv.S <= 0.0 {
		g := uint8(hsv.V * 255)
		return color.RGBA{R: g, G: g, B: g, A: 0xff}
	}

	h := math.Mod(hsv.H, 360) / 60
	i := math.Floor(h)
	f := h - i

	v := hsv.V
	p := v * (1 - hsv.S)
	q := v * (1 - hsv.S*f)
	t := v * (1 - hsv.S*(1-f))

	var r, g, b float64
	switch int(i) {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}

	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 0xff}
}
