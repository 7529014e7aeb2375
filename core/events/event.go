package events

import (
	"log/slog"
	"sync"

	"escrowledger/core/types"
)

// Event represents a structured state change emitted by an engine.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter receives every event an engine or registry produces.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards events. Engines fall back to it when no emitter is set.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload adapts a raw event to the Event interface.
type Payload struct {
	Evt *types.Event
}

// EventType implements Event.
func (p Payload) EventType() string {
	if p.Evt == nil {
		return ""
	}
	return p.Evt.Type
}

// Event implements Event.
func (p Payload) Event() *types.Event { return p.Evt }

// Recorder keeps every emitted event in order. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil || evt.Event() == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt.Event())
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

// LogEmitter writes each event to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(evt Event) {
	if l.Logger == nil || evt == nil || evt.Event() == nil {
		return
	}
	payload := evt.Event()
	args := make([]any, 0, 2*len(payload.Attributes)+2)
	args = append(args, slog.String("event", payload.Type))
	for _, key := range payload.Keys() {
		args = append(args, slog.String(key, payload.Attributes[key]))
	}
	l.Logger.Info("event emitted", args...)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
