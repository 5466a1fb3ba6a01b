package supervisor

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/flight-supervisor/internal/scheduler"
)

// Summary describes a session
type Summary struct {
	Mode            Mode
	StartedAt       time.Time
	Duration        time.Duration
	Ticks           uint64
	Writes          uint64 // Actuator writes issued by the loops
	ComputeErrors   uint64
	TelemetryErrors uint64
	Resets          uint64 // Loop baseline resets, one per flight
	Triggers        uint64 // Safety triggers handled
	LastTrigger     string
	Loops           []scheduler.LoopStats
}

// Summary returns the counters of the current session
func (s *Supervisor) Summary() Summary {
	summary := Summary{
		Mode:            s.mode,
		StartedAt:       s.loop.startedAt,
		Duration:        s.clock().Sub(s.loop.startedAt),
		Ticks:           s.loop.ticks,
		Writes:          s.loop.writes,
		ComputeErrors:   s.loop.computeErrors,
		TelemetryErrors: s.loop.telemetryErrors,
		Resets:          s.loop.resets,
	}

	if s.scheduler != nil {
		summary.Loops = s.scheduler.Stats()
	}
	if s.monitor != nil {
		summary.Triggers = s.monitor.Triggers()
		if t, ok := s.monitor.LastTrigger(); ok {
			summary.LastTrigger = t.String()
		}
	}

	return summary
}

// Attrs returns the summary as log attributes
func (s Summary) Attrs() []any {
	attrs := []any{
		slog.String("mode", string(s.Mode)),
		slog.String("started", humanize.Time(s.StartedAt)),
		slog.String("duration", s.Duration.Round(time.Millisecond).String()),
		slog.String("ticks", humanize.Comma(int64(s.Ticks))),
		slog.String("writes", humanize.Comma(int64(s.Writes))),
		slog.Uint64("computeErrors", s.ComputeErrors),
		slog.Uint64("telemetryErrors", s.TelemetryErrors),
		slog.Uint64("flights", s.Resets),
		slog.Uint64("triggers", s.Triggers),
	}
	if s.LastTrigger != "" {
		attrs = append(attrs, slog.String("lastTrigger", s.LastTrigger))
	}
	return attrs
}

func (s Summary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s session started %s, ran for %s: %s ticks, %s actuator writes",
		s.Mode,
		humanize.Time(s.StartedAt),
		s.Duration.Round(time.Millisecond),
		humanize.Comma(int64(s.Ticks)),
		humanize.Comma(int64(s.Writes)))

	if s.Triggers > 0 {
		fmt.Fprintf(&b, ", %s safety triggers (last: %s)", humanize.Comma(int64(s.Triggers)), s.LastTrigger)
	}

	for _, l := range s.Loops {
		fmt.Fprintf(&b, "\n  %-20s every %-6s fired %s times, %s faults",
			l.ID, l.Period, humanize.Comma(int64(l.Fired)), humanize.Comma(int64(l.Faults)))
	}

	return b.String()
}
