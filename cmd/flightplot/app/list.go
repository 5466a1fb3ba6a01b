package app

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/flight-supervisor/internal/storage"
)

// printFlights writes one line per stored flight
func printFlights(w io.Writer, flights []*storage.Flight, loc *time.Location, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tMODE\tSTARTED\t\tDURATION\tRECORDS\tEVENTS")
	for _, f := range flights {
		duration := "unfinished"
		if f.EndTime != nil {
			duration = f.Duration().Round(time.Millisecond).String()
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID,
			f.Mode,
			f.StartTime.In(loc).Format(time.DateTime),
			humanize.RelTime(f.StartTime, now, "ago", "from now"),
			duration,
			humanize.Comma(f.Records),
			humanize.Comma(f.Events))
	}

	return tw.Flush()
}
