package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
)

const (
	dpi            = 120.0
	fontSize       = 9.0
	tickMarkHeight = 5
	pixelsPerLabel = 150.0

	defaultWidth     = 1600
	defaultRowHeight = 36
	stateRowHeight   = 12

	defaultTopBorder    = 40
	defaultLeftBorder   = 80
	defaultBottomBorder = 40
	defaultRightBorder  = 40

	defaultDatetimeFormat = time.DateTime
)

var motorNames = [4]string{"M1 FL", "M2 FR", "M3 RR", "M4 RL"}

var eventColor = color.RGBA{R: 0xd5, G: 0x00, B: 0x00, A: 0xff}

// BorderConfig defines the sizes of white space around the strip
type BorderConfig struct {
	Top    int // Space for time scale
	Left   int // Space for row labels
	Bottom int // Space for information bar
	Right  int // Right padding
}

// RenderConfig holds the motor strip options
type RenderConfig struct {
	Location       *time.Location
	DatetimeFormat string
	Width          int // Maximum number of columns
	RowHeight      int // Height of one motor row
	FontSize       float64
	ColorTheme     ColorTheme
	BorderConfig   BorderConfig
}

// StripRenderer draws the motor commands of a flight as colour-mapped rows
// above a state band
type StripRenderer struct {
	colorMap *ColorMapper
	config   RenderConfig
}

func NewStripRenderer(config RenderConfig) (*StripRenderer, error) {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Width == 0 {
		config.Width = defaultWidth
	}
	if config.RowHeight == 0 {
		config.RowHeight = defaultRowHeight
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.ColorTheme == "" {
		config.ColorTheme = ClassicTheme
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}
	if config.Width < 0 || config.RowHeight < 0 {
		return nil, fmt.Errorf("invalid strip size %dx%d", config.Width, config.RowHeight)
	}

	return &StripRenderer{
		colorMap: NewColorMapper(config.ColorTheme, DefaultColorMapSize),
		config:   config,
	}, nil
}

// Render creates the strip image with annotations
func (r *StripRenderer) Render(data *FlightData) (*image.RGBA, error) {
	columns := data.Columns(r.config.Width)
	if len(columns) == 0 {
		return nil, fmt.Errorf("no records to render")
	}

	b := r.config.BorderConfig
	stripHeight := stateRowHeight + len(motorNames)*r.config.RowHeight
	img := image.NewRGBA(image.Rect(0, 0, b.Left+len(columns)+b.Right, b.Top+stripHeight+b.Bottom))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(b.Left, b.Top, b.Left+len(columns), b.Top+stripHeight)

	ann, err := newAnnotator(annotatorConfig{
		DatetimeFormat: r.config.DatetimeFormat,
		Location:       r.config.Location,
		FontSize:       r.config.FontSize,
		Borders:        b,
		RowHeight:      r.config.RowHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}
	defer ann.Close()

	if err = ann.annotate(img, area, data); err != nil {
		return nil, fmt.Errorf("drawing annotations: %w", err)
	}

	r.renderStrip(img, area, columns)
	r.renderEvents(img, area, data)

	return img, nil
}

func (r *StripRenderer) renderStrip(img *image.RGBA, area image.Rectangle, columns []Column) {
	for x, col := range columns {
		imgX := area.Min.X + x

		stateColor := StateColor(col.State)
		for y := area.Min.Y; y < area.Min.Y+stateRowHeight; y++ {
			img.SetRGBA(imgX, y, stateColor)
		}

		for m, v := range col.Motors {
			top := area.Min.Y + stateRowHeight + m*r.config.RowHeight
			c := r.colorMap.Color(v)
			for y := top; y < top+r.config.RowHeight; y++ {
				img.Set(imgX, y, c)
			}
		}
	}
}

// renderEvents marks safety triggers and loop faults above the strip
func (r *StripRenderer) renderEvents(img *image.RGBA, area image.Rectangle, data *FlightData) {
	duration := data.Duration()
	if duration <= 0 {
		return
	}

	for _, e := range data.Events {
		if e.Kind != telemetry.EventSafety && e.Kind != telemetry.EventFault {
			continue
		}
		offset := e.Timestamp.Sub(data.TimestampStart)
		if offset < 0 || offset > duration {
			continue
		}

		x := area.Min.X + int(float64(offset)/float64(duration)*float64(area.Dx()-1))
		for y := area.Min.Y - tickMarkHeight*2; y < area.Min.Y; y++ {
			img.SetRGBA(x, y, eventColor)
		}
	}
}

type annotatorConfig struct {
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
	Borders        BorderConfig
	RowHeight      int
}

type annotator struct {
	context  *freetype.Context
	config   annotatorConfig
	fontFace font.Face
}

func newAnnotator(config annotatorConfig) (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		config:  config,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    config.FontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, area image.Rectangle, data *FlightData) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	if err := a.drawTimeScale(img, area, data); err != nil {
		return fmt.Errorf("drawing time scale: %w", err)
	}
	if err := a.drawRowLabels(area); err != nil {
		return fmt.Errorf("drawing row labels: %w", err)
	}
	if err := a.drawInfoBar(img, area, data); err != nil {
		return fmt.Errorf("drawing info bar: %w", err)
	}

	return nil
}

func (a *annotator) fontHeight() int {
	metrics := a.fontFace.Metrics()
	return (metrics.Ascent + metrics.Descent).Round()
}

func (a *annotator) drawTimeScale(img *image.RGBA, area image.Rectangle, data *FlightData) error {
	duration := data.Duration()
	if duration <= 0 {
		return nil
	}

	step := calculateNiceTimeStep(duration, area.Dx())
	textY := area.Min.Y - tickMarkHeight*2 - a.fontHeight()/2

	for offset := time.Duration(0); offset <= duration; offset += step {
		x := area.Min.X + int(float64(offset)/float64(duration)*float64(area.Dx()-1))

		for y := area.Min.Y - tickMarkHeight; y < area.Min.Y; y++ {
			img.Set(x, y, color.Black)
		}

		label := formatOffset(offset)
		width := font.MeasureString(a.fontFace, label)
		pt := freetype.Pt(x-(width.Round()/2), textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawRowLabels(area image.Rectangle) error {
	descent := a.fontFace.Metrics().Descent.Round()

	for m, name := range motorNames {
		centre := area.Min.Y + stateRowHeight + m*a.config.RowHeight + a.config.RowHeight/2
		pt := freetype.Pt(5, centre+a.fontHeight()/2-descent)
		if _, err := a.context.DrawString(name, pt); err != nil {
			return fmt.Errorf("drawing label %s: %w", name, err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, area image.Rectangle, data *FlightData) error {
	var sb strings.Builder

	if data.Flight != nil {
		sb.WriteString(fmt.Sprintf("Flight %d (%s); ", data.Flight.ID, data.Flight.Mode))
	}
	sb.WriteString(fmt.Sprintf("Time: %s - %s",
		data.TimestampStart.In(a.config.Location).Format(a.config.DatetimeFormat),
		data.TimestampEnd.In(a.config.Location).Format(a.config.DatetimeFormat)))
	sb.WriteString(fmt.Sprintf("; %s records", humanize.Comma(int64(data.Len()))))

	if area.Dx() > 0 {
		perPixel := data.Duration() / time.Duration(area.Dx())
		sb.WriteString(fmt.Sprintf("; 1px = %s", perPixel.Round(time.Millisecond)))
	}

	descent := a.fontFace.Metrics().Descent.Round()
	textY := img.Bounds().Max.Y - (a.config.Borders.Bottom-a.fontHeight())/2 - descent

	pt := freetype.Pt(a.config.Borders.Left, textY)
	if _, err := a.context.DrawString(sb.String(), pt); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}

// calculateNiceTimeStep picks a label interval giving roughly one label per
// pixelsPerLabel pixels
func calculateNiceTimeStep(duration time.Duration, width int) time.Duration {
	labels := max(1, float64(width)/pixelsPerLabel)
	rough := time.Duration(float64(duration) / labels)

	niceIntervals := []time.Duration{
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		time.Minute,
		5 * time.Minute,
		10 * time.Minute,
	}

	for _, interval := range niceIntervals {
		if rough <= interval {
			return interval
		}
	}
	return 30 * time.Minute
}

func formatOffset(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
