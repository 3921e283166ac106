package render

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventType names a render lifecycle event on the client wire.
type EventType string

const (
	EventStarted  EventType = "render:started"
	EventProgress EventType = "render:progress"
	EventComplete EventType = "render:complete"
	EventFailed   EventType = "render:failed"
)

// Event is one published state change, carrying a snapshot of the job.
type Event struct {
	Type EventType
	Job  Job
}

// Listener receives render events.
type Listener interface {
	OnRenderEvent(Event)
}

// listenerFunc adapts a function to Listener.
type listenerFunc func(Event)

// OnRenderEvent calls f(ev).
func (f listenerFunc) OnRenderEvent(ev Event) { f(ev) }

type hub struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
	logger    *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{listeners: make(map[int]Listener), logger: logger}
}

func (h *hub) subscribe(l Listener) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = l
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	ls := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		ls = append(ls, l)
	}
	h.mu.RUnlock()

	for _, l := range ls {
		h.deliver(l, ev)
	}
}

func (h *hub) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("render listener panicked", "event", ev.Type, "render_id", ev.Job.ID, "panic", fmt.Sprint(r))
		}
	}()
	l.OnRenderEvent(ev)
}
