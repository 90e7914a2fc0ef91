package turn

import (
	"encoding/json"
	"time"
)

// EventType names a UI notification.
type EventType string

const (
	EventTranscriptionUpdate EventType = "transcription_update"
	EventUserMessage         EventType = "user_message"
	EventAIResponse          EventType = "ai_response"
	EventInterruption        EventType = "interruption"
	EventTurnFailed          EventType = "turn_failed"
	EventListeningFailed     EventType = "listening_failed"
)

// Event is a one-way notification for the UI layer.
type Event struct {
	Type      EventType
	Text      string
	IsFinal   bool
	Timestamp time.Time

	// Epoch is the pipeline epoch the event belongs to.
	Epoch uint64

	// Err is set on failure events.
	Err error
}

// MarshalJSON encodes only the fields that belong to the event type, e.g.
// {"type":"transcription_update","text":"hi","isFinal":false}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	switch e.Type {
	case EventTranscriptionUpdate:
		out["text"] = e.Text
		out["isFinal"] = e.IsFinal
	case EventUserMessage, EventAIResponse:
		out["text"] = e.Text
		out["timestamp"] = e.Timestamp
	case EventInterruption:
		out["timestamp"] = e.Timestamp
	case EventTurnFailed, EventListeningFailed:
		out["timestamp"] = e.Timestamp
		if e.Err != nil {
			out["error"] = e.Err.Error()
		}
	}
	return json.Marshal(out)
}

// Sink receives UI events. Emit is called on the engine goroutine and must
// not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans every event out to all sinks in order.
type MultiSink []Sink

// Emit forwards ev to every non-nil sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}
