package gatherer

// EventType tags the events a round emits to its caller.
type EventType string

const (
	// EventSessionID is emitted once, first.
	EventSessionID EventType = "session_id"
	// EventMessageDelta carries one fragment of the assistant's visible
	// reply; concatenating all deltas yields the full reply for the round.
	EventMessageDelta EventType = "message_delta"
	// EventClassificationComplete carries the terminal classification.
	// At most one per round; terminal for the session once emitted.
	EventClassificationComplete EventType = "classification_complete"
	// EventError reports a failure; it does not terminate the session.
	EventError EventType = "error"
	// EventStreamEnd is always the last event of a round, success or not.
	EventStreamEnd EventType = "stream_end"
)

type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// emitter serializes one round's events in order. The stream_end guarantee
// lives in close(): callers defer it so the terminal event goes out on
// every path.
type emitter struct {
	ch chan Event
}

func newEmitter() *emitter {
	// Buffered so a slow consumer doesn't stall delta production for
	// typical reply lengths.
	return &emitter{ch: make(chan Event, 64)}
}

func (e *emitter) send(t EventType, data any) {
	e.ch <- Event{Type: t, Data: data}
}

func (e *emitter) delta(text string) {
	e.send(EventMessageDelta, text)
}

func (e *emitter) error(msg string) {
	e.send(EventError, msg)
}

func (e *emitter) close() {
	e.ch <- Event{Type: EventStreamEnd}
	close(e.ch)
}
