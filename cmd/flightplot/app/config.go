package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
)

type ImageFormat string

type Config struct {
	DBPath       string
	FlightID     int64
	OutputPrefix string
	Format       ImageFormat
	Theme        ColorTheme
	TimeZone     *time.Location
	List         bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format:   ImagePNG,
		Theme:    ClassicTheme,
		TimeZone: time.Local,
	}
}

// NewConfigFromCLI parses the command line arguments, without the program name
func NewConfigFromCLI(args []string) (*Config, error) {
	c := NewConfig()

	fs := flag.NewFlagSet("flightplot", flag.ContinueOnError)

	var imageFormat, theme, timeZone string
	fs.StringVar(&c.DBPath, "db", "", "Path to the flight log database file")
	fs.Int64Var(&c.FlightID, "f", 0, "Flight ID")
	fs.StringVar(&c.OutputPrefix, "o", "", "Output file prefix, one file per chart is written")
	fs.StringVar(&imageFormat, "format", string(ImagePNG), "Output image format. [png, jpeg]")
	fs.StringVar(&theme, "theme", string(ClassicTheme), "Motor strip color theme. [classic, grayscale, thermal]")
	fs.StringVar(&timeZone, "tz", "", "Time zone for time labels, e.g. Australia/Sydney (default local)")
	fs.BoolVar(&c.List, "list", false, "List the flights stored in the database and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	imageFormat = strings.ToLower(imageFormat)
	c.Theme = ColorTheme(strings.ToLower(theme))

	var err error
	switch {
	case c.DBPath == "":
		err = errors.New("db path is required")
	case c.List:
	case c.FlightID <= 0:
		err = errors.New("flight id is required")
	case c.OutputPrefix == "":
		err = errors.New("output prefix is required")
	}
	if err == nil {
		if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
			err = fmt.Errorf("invalid image format: %s", imageFormat)
		} else if _, ok := colorThemes[c.Theme]; !ok {
			err = fmt.Errorf("invalid color theme: %s", theme)
		}
	}
	if err == nil && timeZone != "" {
		if c.TimeZone, err = time.LoadLocation(timeZone); err != nil {
			err = fmt.Errorf("invalid time zone: %w", err)
		}
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	return c, nil
}

// OutputFile returns the file name for a chart
func (c *Config) OutputFile(chart string) string {
	return fmt.Sprintf("%s_%s.%s", c.OutputPrefix, chart, c.Format)
}
