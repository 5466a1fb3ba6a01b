package telemetry

import (
	"errors"
)

// Sink receives telemetry records. Append must not block the caller for
// longer than a queue insert: it is called from the scheduler's logging loop.
type Sink interface {
	Append(r Record) error
}

// EventSink receives flight log events.
type EventSink interface {
	AppendEvent(e Event) error
}

// Fanout forwards records and events to several sinks. Sinks that do not
// implement EventSink only receive records.
type Fanout []Sink

// Append forwards the record to every sink and joins their errors.
func (f Fanout) Append(r Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Append(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AppendEvent forwards the event to every sink implementing EventSink.
func (f Fanout) AppendEvent(e Event) error {
	var errs []error
	for _, s := range f {
		es, ok := s.(EventSink)
		if !ok {
			continue
		}
		if err := es.AppendEvent(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
