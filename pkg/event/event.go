// Package event provides the tagged-variant event model for the runtime.
//
// Every event carries a stable string type (e.g. "INCOMING_CALL") and an
// opaque payload. Machines dispatch on the type tag alone; they never inspect
// the payload's Go type. A Registry established at startup maps payload
// variants to their tags so that producers can emit plain Go values and still
// get deterministic tags on the wire and in history.
package event

// Event is a tagged value routed to a machine. Events are immutable once
// emitted; payloads must not be mutated after Send.
type Event struct {
	// Type is the stable string tag, e.g. "INCOMING_CALL"
	Type string `json:"type"`

	// Payload is the opaque event value. May be nil.
	Payload interface{} `json:"payload,omitempty"`
}

// New creates an event with an explicit type tag
func New(eventType string, payload interface{}) Event {
	return Event{Type: eventType, Payload: payload}
}

// IsZero reports whether the event carries no type tag
func (e Event) IsZero() bool {
	return e.Type == ""
}
