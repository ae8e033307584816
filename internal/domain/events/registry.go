package events

import "context"

// HandlerFunc processes one delivered event. The dispatcher invokes handlers
// sequentially in delivery order and isolates failures: a returned error (or
// a panic) is logged and the event is still acknowledged.
//
// The context carries the per-handler deadline configured on the dispatcher.
// A handler that ignores its context can delay the rest of the cycle, so
// long-running work should either honor ctx or be moved off the dispatch
// goroutine.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

// Registry maps canonical event type names to at most one handler each. It
// is immutable: the full mapping is supplied at construction, before the
// dispatch loop starts, so no early event can race a registration.
type Registry struct {
	handlers map[EventType]HandlerFunc
}

// NewRegistry builds a registry from the given mapping. The map is copied;
// later mutation of the argument has no effect.
func NewRegistry(handlers map[EventType]HandlerFunc) *Registry {
	m := make(map[EventType]HandlerFunc, len(handlers))
	for t, h := range handlers {
		m[t] = h
	}
	return &Registry{handlers: m}
}

// Lookup returns the handler registered for the given type, if any. A
// missing entry is not an error; the dispatcher logs it as a diagnostic and
// still acknowledges the event.
func (r *Registry) Lookup(t EventType) (HandlerFunc, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the event types that have a registered handler.
func (r *Registry) Types() []EventType {
	types := make([]EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
