package events

import "log/slog"

// Event is a structured state-change notification emitted after a mutation
// commits. Attributes hold string-encoded details (ids, amounts).
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (RPC, indexers, logs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Components use
// it as the default so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each of the given emitters.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// SlogEmitter writes every event as a structured log line. The daemon uses
// it as its default subscriber.
type SlogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (e SlogEmitter) Emit(evt Event) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2+2*len(evt.Attributes))
	attrs = append(attrs, slog.String("event", evt.Type))
	for k, v := range evt.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Info("event emitted", attrs...)
}
