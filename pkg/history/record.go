// Package history implements the per-machine append-only transition log.
//
// Every step a machine takes (entries, exits, transitions, stays, ignored
// events, timeouts, completion, errors) is recorded as one row in a dedicated
// per-machine table, with base64-encoded JSON snapshots of the event payload
// and both contexts taken at the moment of the step. The log is observational:
// it is never replayed to reconstruct state.
package history

// Engine step names recorded in the Event column. Rows for external events
// carry the event's own type tag instead.
const (
	StepEntry            = "ENTRY"
	StepBeforeEntry      = "BEFORE_ENTRY"
	StepAfterEntry       = "AFTER_ENTRY"
	StepErrorEntry       = "ERROR_ENTRY"
	StepBeforeExit       = "BEFORE_EXIT"
	StepAfterExit        = "AFTER_EXIT"
	StepErrorExit        = "ERROR_EXIT"
	StepErrorStay        = "ERROR_STAY"
	StepErrorPersistence = "ERROR_PERSISTENCE"
	StepTimeoutArrival   = "TIMEOUT_ARRIVAL"
	StepCompletion       = "COMPLETION"
	StepRehydrated       = "REHYDRATED"

	// EventTimeout is the synthesised event name recorded for timer firings
	EventTimeout = "TIMEOUT"

	// TypeTransition marks the synthesised transition entries in grouped reads
	TypeTransition = "TRANSITION"
)

// Record is one row of a machine's history table. IDs are assigned by the
// database and increase monotonically per machine.
type Record struct {
	ID                int64  `json:"id"`
	RunID             string `json:"runId"`
	Datetime          int64  `json:"datetime"` // epoch milliseconds
	State             string `json:"state"`
	Event             string `json:"event"`
	EventIgnored      bool   `json:"eventIgnored"`
	EventPayload      string `json:"eventPayload,omitempty"` // base64 JSON
	TransitionOrStay  bool   `json:"transitionOrStay"`       // true for transitions
	TransitionToState string `json:"transitionToState,omitempty"`
	TransitionCounter int    `json:"transitionCounter"`
	PersistentContext string `json:"persistentContext,omitempty"` // base64 JSON
	VolatileContext   string `json:"volatileContext,omitempty"`   // base64 JSON
}

// IsTransition reports whether the record represents a state transition
func (r Record) IsTransition() bool {
	return r.TransitionOrStay && r.TransitionToState != ""
}
