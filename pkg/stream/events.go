// Package stream defines the canonical event set every protocol adapter
// normalizes into, and the coordinator that consumes one response stream.
package stream

import "github.com/cexll/turnflow/pkg/item"

// EventType names the canonical stream events.
type EventType string

const (
	// EventItemStarted announces an item the backend has begun producing.
	EventItemStarted EventType = "item-started"
	// EventItemCompleted delivers a fully-formed item.
	EventItemCompleted EventType = "item-completed"
	// EventStreamError terminates the stream with a failure.
	EventStreamError EventType = "stream-error"
	// EventStreamDone terminates the stream normally.
	EventStreamDone EventType = "stream-done"
)

// Usage carries token accounting reported on stream-done.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add accumulates usage across backend calls within one turn.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Event is one canonical stream event. Item is set on item events, Err on
// stream-error, ResponseID and Usage on stream-done.
type Event struct {
	Type       EventType
	Item       *item.Item
	Err        error
	ResponseID string
	Usage      Usage
}

// ItemStarted builds an item-started event.
func ItemStarted(it item.Item) Event {
	return Event{Type: EventItemStarted, Item: &it}
}

// ItemCompleted builds an item-completed event.
func ItemCompleted(it item.Item) Event {
	return Event{Type: EventItemCompleted, Item: &it}
}

// Errored builds a stream-error event.
func Errored(err error) Event {
	return Event{Type: EventStreamError, Err: err}
}

// Done builds a stream-done event.
func Done(responseID string, usage Usage) Event {
	return Event{Type: EventStreamDone, ResponseID: responseID, Usage: usage}
}
