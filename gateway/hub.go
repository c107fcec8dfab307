package gateway

import (
	"sync"

	"github.com/openloop-ai/openloop/loop"
)

// subscriberBuffer bounds each subscriber's queue; a subscriber that falls
// this far behind starts losing events rather than blocking the loop.
const subscriberBuffer = 256

// hub fans loop events out to per-session subscribers.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan loop.Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan loop.Event]struct{})}
}

// subscribe registers a new subscriber for a session. The returned cancel
// must be called exactly once; it closes the channel.
func (h *hub) subscribe(sessionID string) (<-chan loop.Event, func()) {
	ch := make(chan loop.Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan loop.Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers an event to every subscriber of a session. Sends never
// block: a full subscriber queue drops the event.
func (h *hub) publish(sessionID string, ev loop.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// handler adapts the hub into a loop.EventHandler bound to one session.
func (h *hub) handler(sessionID string) loop.EventHandler {
	return func(ev loop.Event) { h.publish(sessionID, ev) }
}
