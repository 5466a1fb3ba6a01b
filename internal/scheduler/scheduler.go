package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"
)

// FaultReporter receives loop faults. The safety monitor implements it.
type FaultReporter interface {
	ReportFault(f *LoopFault)
}

// WithLogger sets the logger for the scheduler
func WithLogger(logger *slog.Logger) func(*Scheduler) {
	return func(s *Scheduler) {
		s.logger = logger.With(slog.String("component", "scheduler"))
	}
}

// WithFaultReporter sets the receiver of loop faults
func WithFaultReporter(r FaultReporter) func(*Scheduler) {
	return func(s *Scheduler) {
		s.reporter = r
	}
}

type entry struct {
	loop        Loop
	baseline    time.Time
	fired       uint64
	faults      uint64
	consecutive int
}

// Scheduler dispatches fixed-period loops. A loop is due when the time since
// its baseline is at least its period; on firing the baseline becomes the
// firing time, so drift is not corrected and elapsed time is remeasured every
// tick. Baselines start at the zero time.
//
// The scheduler is not safe for concurrent use: it is owned by the run loop.
type Scheduler struct {
	entries []*entry // Sorted by stage, then registration order
	index   map[LoopID]*entry

	reporter FaultReporter
	logger   *slog.Logger
}

// New creates an empty scheduler
func New(options ...func(*Scheduler)) *Scheduler {
	s := Scheduler{
		index:  make(map[LoopID]*entry),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Register adds a loop to the registry
func (s *Scheduler) Register(l Loop) error {
	if _, ok := s.index[l.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLoop, l.ID)
	}
	if l.Period <= 0 {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPeriod, l.ID, l.Period)
	}
	if l.Run == nil {
		return fmt.Errorf("loop %s: run function required", l.ID)
	}

	e := &entry{loop: l}
	s.index[l.ID] = e

	// Insert after the last entry of the same or an earlier stage
	i := len(s.entries)
	for i > 0 && s.entries[i-1].loop.Stage > l.Stage {
		i--
	}
	s.entries = slices.Insert(s.entries, i, e)

	return nil
}

// Loops returns the registered loop IDs in dispatch order
func (s *Scheduler) Loops() []LoopID {
	ids := make([]LoopID, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.loop.ID
	}
	return ids
}

// Due returns the loops due at now, in dispatch order, without firing them
func (s *Scheduler) Due(now time.Time) []LoopID {
	var due []LoopID
	for _, e := range s.entries {
		if now.Sub(e.baseline) >= e.loop.Period {
			due = append(due, e.loop.ID)
		}
	}
	return due
}

// Tick fires every loop due at now in stage order and returns the IDs of the
// loops that fired. A failing or panicking loop is reported as a *LoopFault
// and skipped for the rest of the tick; the remaining loops still run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []LoopID {
	var fired []LoopID

	for _, e := range s.entries {
		elapsed := now.Sub(e.baseline)
		if elapsed < e.loop.Period {
			continue
		}

		e.baseline = now
		e.fired++
		fired = append(fired, e.loop.ID)

		if err := s.run(ctx, e, now, elapsed); err != nil {
			e.faults++
			e.consecutive++

			fault := &LoopFault{
				Loop:        e.loop.ID,
				Stage:       e.loop.Stage,
				Consecutive: e.consecutive,
				Err:         err,
			}

			s.logger.Warn(fault.Error())

			if s.reporter != nil {
				s.reporter.ReportFault(fault)
			}
			continue
		}

		e.consecutive = 0
	}

	return fired
}

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time, elapsed time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("loop panicked",
				slog.String("loop", string(e.loop.ID)),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return e.loop.Run(ctx, now, elapsed)
}

// ResetAll sets every loop baseline to now. It is the only way baselines
// change outside of ticking.
func (s *Scheduler) ResetAll(now time.Time) {
	for _, e := range s.entries {
		e.baseline = now
	}
	s.logger.Debug("loop baselines reset")
}

// NextDue returns the earliest time at which any loop becomes due. It
// returns now if a loop is already due and the zero time if no loop is
// registered.
func (s *Scheduler) NextDue(now time.Time) time.Time {
	var next time.Time
	for _, e := range s.entries {
		at := e.baseline.Add(e.loop.Period)
		if !at.After(now) {
			return now
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next
}

// Baseline returns the last firing time of a loop
func (s *Scheduler) Baseline(id LoopID) (time.Time, bool) {
	e, ok := s.index[id]
	if !ok {
		return time.Time{}, false
	}
	return e.baseline, true
}

// Stats returns per-loop counters in dispatch order
func (s *Scheduler) Stats() []LoopStats {
	stats := make([]LoopStats, len(s.entries))
	for i, e := range s.entries {
		stats[i] = LoopStats{
			ID:       e.loop.ID,
			Period:   e.loop.Period,
			Fired:    e.fired,
			Faults:   e.faults,
			Baseline: e.baseline,
		}
	}
	return stats
}
