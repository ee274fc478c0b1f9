package supervisor

import (
	"sync"

	"go.uber.org/zap"
)

// EventHandler receives an engine or supervisor event payload.
type EventHandler func(data map[string]any)

// eventHub fans events out to subscribers. Subscriptions are owned by
// the hub, not by a strategy or engine instance, so they survive
// restarts. Publish iterates a snapshot of the current subscribers and
// isolates failures per subscriber: one panicking handler must not
// prevent others from running.
type eventHub struct {
	mu   sync.RWMutex
	seq  int
	subs map[string]map[int]EventHandler

	log *zap.Logger
}

func newEventHub(log *zap.Logger) *eventHub {
	return &eventHub{
		subs: make(map[string]map[int]EventHandler),
		log:  log.Named("events"),
	}
}

func (h *eventHub) Subscribe(name string, handler EventHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	handlers, ok := h.subs[name]
	if !ok {
		handlers = make(map[int]EventHandler)
		h.subs[name] = handlers
	}

	id := h.seq
	h.seq++
	handlers[id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.subs[name], id)
		if len(h.subs[name]) == 0 {
			delete(h.subs, name)
		}
	}
}

func (h *eventHub) Publish(name string, data map[string]any) {
	h.mu.RLock()
	snapshot := make([]EventHandler, 0, len(h.subs[name]))
	for _, handler := range h.subs[name] {
		snapshot = append(snapshot, handler)
	}
	h.mu.RUnlock()

	for _, handler := range snapshot {
		h.invoke(name, handler, data)
	}
}

func (h *eventHub) invoke(name string, handler EventHandler, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked",
				zap.String("event", name),
				zap.Any("panic", r),
			)
		}
	}()

	handler(data)
}
