package loop

import (
	"encoding/json"
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventProcessingStart      EventKind = "processing:start"
	EventContentDelta         EventKind = "content:delta"
	EventToolCall             EventKind = "tool:call"
	EventToolComplete         EventKind = "tool:complete"
	EventToolError            EventKind = "tool:error"
	EventKnowledgeRetrieved   EventKind = "knowledge:retrieved"
	EventConfirmationRequired EventKind = "confirmation:required"
	EventWarning              EventKind = "warning"
	EventProcessingEnd        EventKind = "processing:end"
)

// ToolEventData carries the payload for tool:* events.
type ToolEventData struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"` // tool:call
	Result    string          `json:"result,omitempty"`    // tool:complete
	Error     string          `json:"error,omitempty"`     // tool:error
	Duration  time.Duration   `json:"duration,omitempty"`
}

// Event is a tagged union: exactly the fields for its Kind are set.
// content:delta events preserve emission order; the deltas concatenated in
// that order equal the final turn's content.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Delta     string            `json:"delta,omitempty"`     // content:delta
	Tool      *ToolEventData    `json:"tool,omitempty"`      // tool:*
	Knowledge []Passage         `json:"knowledge,omitempty"` // knowledge:retrieved
	Pending   []ToolCallRequest `json:"pending,omitempty"`   // confirmation:required
	Message   string            `json:"message,omitempty"`   // warning
}

// EventHandler receives loop events. It is invoked synchronously on the
// loop's goroutine and must not block indefinitely: a slow handler delays
// the loop's next step.
type EventHandler func(Event)

// emitter serializes event delivery so that concurrent tool executions
// cannot interleave a single callback invocation.
type emitter struct {
	mu sync.Mutex
	fn EventHandler
}

func (e *emitter) emit(ev Event) {
	if e == nil || e.fn == nil {
		return
	}
	ev.Timestamp = time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn(ev)
}

// ChannelEvents returns an EventHandler that forwards events to the
// returned channel, for consumers that want a bounded in-order queue
// instead of a callback. Events are dropped when the buffer is full so a
// stalled consumer cannot block the loop. Call stop when done.
func ChannelEvents(buffer int) (EventHandler, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	var once sync.Once
	var mu sync.Mutex
	closed := false

	handler := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}
	stop := func() {
		once.Do(func() {
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return handler, ch, stop
}
