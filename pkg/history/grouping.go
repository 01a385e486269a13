package history

// StateInstance is one contiguous occupancy of a state: every record sharing
// the same (state, transition counter) run. Re-entering a state later starts
// a new instance with a higher counter.
type StateInstance struct {
	// State is the occupied state
	State string `json:"state"`

	// Counter is the re-entry counter during this occupancy
	Counter int `json:"counter"`

	// EnteredAt is the datetime of the instance's first record
	EnteredAt int64 `json:"enteredAt"`

	// Records holds the instance's rows in append order. When the instance
	// ended in a transition, a synthesised TRANSITION record follows the
	// row that caused it.
	Records []Record `json:"records"`
}

// GroupRecords folds a machine's history into state instances. Records must
// be in append order, as returned by ReadAll.
func GroupRecords(records []Record) []StateInstance {
	var out []StateInstance
	var current *StateInstance

	for _, rec := range records {
		if current == nil || current.State != rec.State || current.Counter != rec.TransitionCounter {
			out = append(out, StateInstance{
				State:     rec.State,
				Counter:   rec.TransitionCounter,
				EnteredAt: rec.Datetime,
			})
			current = &out[len(out)-1]
		}

		current.Records = append(current.Records, rec)
		if rec.IsTransition() {
			current.Records = append(current.Records, synthesiseTransition(rec))
		}
	}
	return out
}

// synthesiseTransition derives the TRANSITION marker row shown in grouped
// reads from the event record that caused the transition.
func synthesiseTransition(rec Record) Record {
	return Record{
		ID:                rec.ID,
		RunID:             rec.RunID,
		Datetime:          rec.Datetime,
		State:             rec.State,
		Event:             TypeTransition,
		TransitionOrStay:  true,
		TransitionToState: rec.TransitionToState,
		TransitionCounter: rec.TransitionCounter,
	}
}
