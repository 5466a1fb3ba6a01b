package app

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/flight-supervisor/internal/storage"
)

func Run(ctx context.Context, config *Config, w io.Writer, logger *slog.Logger) error {
	stat, err := os.Stat(config.DBPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
		}
		return err
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	if config.List {
		flights, err := store.Flights(ctx)
		if err != nil {
			return fmt.Errorf("listing flights: %w", err)
		}

		fmt.Fprintf(w, "%s (%s), %d flights\n", config.DBPath, humanize.Bytes(uint64(stat.Size())), len(flights))
		return printFlights(w, flights, config.TimeZone, time.Now())
	}

	data, err := readFlight(ctx, store, config.FlightID, logger)
	if err != nil {
		return err
	}

	return plotFlight(data, config, logger)
}

func readFlight(ctx context.Context, store storage.Store, flightID int64, logger *slog.Logger) (*FlightData, error) {
	iter, err := store.ReadRecords(ctx, flightID)
	if err != nil {
		return nil, fmt.Errorf("reading flight %d: %w", flightID, err)
	}
	defer iter.Close()

	data := NewFlightData(iter.Flight())
	for iter.Next(ctx) {
		data.Update(iter.Current())
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}

	if data.Events, err = store.Events(ctx, flightID); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	logger.Info("finished reading records",
		slog.Group("stats",
			slog.Int64("flight", flightID),
			slog.String("mode", data.Flight.Mode),
			slog.String("start", data.TimestampStart.Local().Format(time.DateTime)),
			slog.String("end", data.TimestampEnd.Local().Format(time.DateTime)),
			slog.String("records", humanize.Comma(int64(data.Len()))),
			slog.Int("events", len(data.Events)),
		))

	return data, nil
}

func plotFlight(data *FlightData, config *Config, logger *slog.Logger) error {
	charts := []struct {
		name string
		fn   func(*FlightData) error
	}{
		{name: "attitude", fn: func(d *FlightData) error {
			p, err := attitudeChart(d)
			if err != nil {
				return err
			}
			return saveChart(p, config.OutputFile("attitude"))
		}},
		{name: "sticks", fn: func(d *FlightData) error {
			p, err := sticksChart(d)
			if err != nil {
				return err
			}
			return saveChart(p, config.OutputFile("sticks"))
		}},
		{name: "motors", fn: func(d *FlightData) error {
			return renderMotors(d, config)
		}},
	}

	for _, c := range charts {
		logger.Info("rendering chart",
			slog.String("chart", c.name),
			slog.String("destination", config.OutputFile(c.name)))

		if err := c.fn(data); err != nil {
			return fmt.Errorf("rendering %s: %w", c.name, err)
		}
	}
	return nil
}

func renderMotors(data *FlightData, config *Config) error {
	renderer, err := NewStripRenderer(RenderConfig{
		Location:   config.TimeZone,
		ColorTheme: config.Theme,
	})
	if err != nil {
		return fmt.Errorf("creating strip renderer: %w", err)
	}

	img, err := renderer.Render(data)
	if err != nil {
		return err
	}

	out, err := os.Create(config.OutputFile("motors"))
	if err != nil {
		return err
	}
	defer out.Close()

	return encodeImage(out, img, config.Format)
}

func encodeImage(w io.Writer, img image.Image, format ImageFormat) error {
	switch format {
	case ImageJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 98})
	default:
		return png.Encode(w, img)
	}
}
