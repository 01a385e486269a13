package fsm

import (
	"time"
)

// Entry action outcomes reported on a StateChange.
const (
	EntryStatusNone  = "NONE"
	EntryStatusOK    = "OK"
	EntryStatusError = "ERROR"
)

// StateChange describes one committed transition.
type StateChange struct {
	MachineID   string      `json:"machineId"`
	MachineType string      `json:"machineType"`
	StateBefore string      `json:"stateBefore"`
	StateAfter  string      `json:"stateAfter"`
	EventName   string      `json:"eventName"`
	Payload     interface{} `json:"payload,omitempty"`

	// Context is a deep copy of the persistent context taken at commit time
	Context PersistentContext `json:"context"`

	Timestamp time.Time `json:"timestamp"`

	// EntryActionStatus is NONE when the target state has no entry actions,
	// otherwise OK or ERROR
	EntryActionStatus string `json:"entryActionStatus"`

	// Completed is true when the transition entered a final state
	Completed bool `json:"completed"`
}

// Observer receives committed state changes. Notifications are delivered on
// their own goroutine, off the machine's mailbox; a slow observer delays only
// its own deliveries.
type Observer interface {
	OnStateChange(change StateChange)
}

// LoggingObserver logs every state change.
type LoggingObserver struct {
	logger interface {
		Infof(format string, args ...interface{})
	}
}

// NewLoggingObserver creates an observer that logs state changes.
func NewLoggingObserver(logger interface {
	Infof(format string, args ...interface{})
}) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnStateChange(change StateChange) {
	o.logger.Infof("Machine %s: %s -> %s (event: %s)",
		change.MachineID, change.StateBefore, change.StateAfter, change.EventName)
}

// ChainObserver fans a state change out to multiple observers.
type ChainObserver struct {
	observers []Observer
}

// NewChainObserver creates an observer that notifies each given observer in order.
func NewChainObserver(observers ...Observer) *ChainObserver {
	return &ChainObserver{observers: observers}
}

func (o *ChainObserver) OnStateChange(change StateChange) {
	for _, observer := range o.observers {
		observer.OnStateChange(change)
	}
}
