package main

import (
	"context"
	"time"

	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/registry"
	"github.com/statorio/stator/pkg/store"
)

// CallContext is the persistent context of the built-in call machine type.
type CallContext struct {
	fsm.BaseContext
	Caller    string `json:"caller,omitempty"`
	Callee    string `json:"callee,omitempty"`
	RingCount int    `json:"ringCount"`
}

func (c *CallContext) DeepCopy() fsm.PersistentContext {
	cp := *c
	return &cp
}

// callSession is the volatile side of a call: rebuilt from the persistent
// context whenever the machine is activated.
type callSession struct {
	SessionID string
	Recording bool
}

func newCallSession(pc fsm.PersistentContext) interface{} {
	return &callSession{SessionID: "sess-" + pc.ID()}
}

// buildCallDefinition declares the demo call flow:
// ADMISSION -> RINGING -> CONNECTED -> HUNGUP.
func buildCallDefinition() (*fsm.Definition, error) {
	return fsm.NewBuilder("call").
		InitialState("ADMISSION").
		State("ADMISSION").
		On("INCOMING_CALL", "RINGING").
		Done().
		State("RINGING").
		OnEntry(func(ctx context.Context, ac *fsm.ActionContext, ev event.Event) error {
			if cc, ok := ac.Persistent.(*CallContext); ok {
				if payload, ok := ev.Payload.(map[string]interface{}); ok {
					if caller, ok := payload["caller"].(string); ok {
						cc.Caller = caller
					}
					if callee, ok := payload["callee"].(string); ok {
						cc.Callee = callee
					}
				}
			}
			return nil
		}).
		On("ANSWER", "CONNECTED").
		On("HANGUP", "HUNGUP").
		Stay("SESSION_PROGRESS", func(ctx context.Context, ac *fsm.ActionContext, ev event.Event) error {
			if cc, ok := ac.Persistent.(*CallContext); ok {
				cc.RingCount++
			}
			return nil
		}).
		Timeout(30*time.Second, "HUNGUP").
		Done().
		State("CONNECTED").
		Offline().
		On("HANGUP", "HUNGUP").
		Done().
		State("HUNGUP").
		Final().
		Done().
		Build()
}

func callRegistration() (registry.Registration, error) {
	def, err := buildCallDefinition()
	if err != nil {
		return registry.Registration{}, err
	}
	return registry.Registration{
		Definition: def,
		NewContext: func(machineID, initialState string, now time.Time) fsm.PersistentContext {
			return &CallContext{BaseContext: fsm.NewBaseContext(machineID, initialState, now)}
		},
		Volatile: newCallSession,
	}, nil
}

func callMapping() store.Mapping {
	return store.Mapping{
		MachineType: "call",
		Table:       "calls",
		New:         func() fsm.PersistentContext { return &CallContext{} },
	}
}
