package sessiontap

import "sync/atomic"

// idSource hands out event and error ids. Both counters only grow for the
// lifetime of the Agent that owns them, so ids stay unique across sessions.
type idSource struct {
	events atomic.Int64
	errors atomic.Int64
}

func (s *idSource) nextEvent() int64 { return s.events.Add(1) }
func (s *idSource) nextError() int64 { return s.errors.Add(1) }

// Event is one logged occurrence. Timed events are held back from payloads
// until SetDuration marks them ready.
type Event struct {
	name       string
	parameters map[string]string
	timeOffset int64
	duration   int64
	id         int64
	timed      bool
	ready      bool
}

func newEvent(ids *idSource, name string, parameters map[string]string, timeOffset int64, timed bool) *Event {
	return &Event{
		name:       name,
		parameters: cloneStringMap(parameters),
		timeOffset: timeOffset,
		id:         ids.nextEvent(),
		timed:      timed,
		ready:      !timed,
	}
}

func (e *Event) Name() string { return e.name }

// Parameters returns a copy of the event metadata.
func (e *Event) Parameters() map[string]string { return cloneStringMap(e.parameters) }

// TimeOffset is the number of milliseconds between session start and logging.
func (e *Event) TimeOffset() int64 { return e.timeOffset }

// Duration is 0 until SetDuration is called.
func (e *Event) Duration() int64 { return e.duration }

func (e *Event) ID() int64           { return e.id }
func (e *Event) IsTimed() bool       { return e.timed }
func (e *Event) IsReadyToSend() bool { return e.ready }

// SetDuration records the measured duration in milliseconds and makes the
// event eligible for the next flush.
func (e *Event) SetDuration(ms int64) {
	e.duration = ms
	e.ready = true
}

// SetParameters replaces the event metadata. Readiness is not affected.
func (e *Event) SetParameters(parameters map[string]string) {
	e.parameters = cloneStringMap(parameters)
}

func (e *Event) clone() Event {
	out := *e
	out.parameters = cloneStringMap(e.parameters)
	return out
}

// ErrorReport is one logged error. It has no mutators.
type ErrorReport struct {
	name        string
	description string
	lineNumber  int
	timestamp   int64
	id          int64
}

func newErrorReport(ids *idSource, name, description string, lineNumber int, timestamp int64) *ErrorReport {
	return &ErrorReport{
		name:        name,
		description: description,
		lineNumber:  lineNumber,
		timestamp:   timestamp,
		id:          ids.nextError(),
	}
}

func (r *ErrorReport) Name() string        { return r.name }
func (r *ErrorReport) Description() string { return r.description }
func (r *ErrorReport) LineNumber() int     { return r.lineNumber }

// Timestamp is the absolute log time in Unix milliseconds.
func (r *ErrorReport) Timestamp() int64 { return r.timestamp }
func (r *ErrorReport) ID() int64        { return r.id }
