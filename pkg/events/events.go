// Package events defines the lifecycle event union and a fan-out bus.
// A single discriminated event type spans loop-domain and infrastructure
// events so sinks can dispatch on Kind without casts.
package events

import "time"

// Kind discriminates lifecycle events.
type Kind string

// Lifecycle event kinds.
const (
	LoopCreated    Kind = "loop.created"
	LoopStarted    Kind = "loop.started"
	LoopAccepted   Kind = "loop.accepted"
	LoopPushed     Kind = "loop.pushed"
	LoopDiscarded  Kind = "loop.discarded"
	LoopDeleted    Kind = "loop.deleted"
	PlanFeedback   Kind = "loop.plan.feedback"
	PlanAccepted   Kind = "loop.plan.accepted"
	PlanDiscarded  Kind = "loop.plan.discarded"
	PendingUpdated Kind = "loop.pending.updated"
)

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind           `json:"kind"`
	LoopID    string         `json:"loop_id"`
	LoopName  string         `json:"loop_name,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// New builds an event stamped with the current time.
func New(kind Kind, loopID, loopName string) Event {
	return Event{
		Kind:      kind,
		LoopID:    loopID,
		LoopName:  loopName,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetail attaches a detail entry and returns the event for chaining.
func (e Event) WithDetail(key string, value any) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Sink receives lifecycle events. Emit must not block.
type Sink interface {
	Emit(event Event)
}
