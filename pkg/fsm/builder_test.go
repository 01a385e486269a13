package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
)

func buildCallDefinition(t *testing.T) *Definition {
	t.Helper()

	def, err := NewBuilder("call").
		InitialState("ADMISSION").
		State("ADMISSION").
		On("INCOMING_CALL", "RINGING").
		Done().
		State("RINGING").
		On("ANSWER", "CONNECTED").
		On("HANGUP", "HUNGUP").
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
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	return def
}

func TestBuilder_Basic(t *testing.T) {
	def := buildCallDefinition(t)

	if def.MachineType() != "call" {
		t.Errorf("Expected machine type 'call', got %s", def.MachineType())
	}

	if def.Initial() != "ADMISSION" {
		t.Errorf("Expected initial state 'ADMISSION', got %s", def.Initial())
	}

	if len(def.StateNames()) != 4 {
		t.Errorf("Expected 4 states, got %d", len(def.StateNames()))
	}

	if !def.IsFinal("HUNGUP") {
		t.Error("Expected HUNGUP to be final")
	}

	if def.IsFinal("RINGING") {
		t.Error("Expected RINGING not to be final")
	}

	if !def.IsOffline("CONNECTED") {
		t.Error("Expected CONNECTED to be offline")
	}

	ringing, ok := def.State("RINGING")
	if !ok {
		t.Fatal("Expected RINGING to be declared")
	}

	target, ok := ringing.TransitionTarget("ANSWER")
	if !ok || target != "CONNECTED" {
		t.Errorf("Expected ANSWER -> CONNECTED, got %s (found=%v)", target, ok)
	}

	spec := ringing.Timeout()
	if spec == nil {
		t.Fatal("Expected RINGING to declare a timeout")
	}
	if spec.After != 30*time.Second || spec.Target != "HUNGUP" {
		t.Errorf("Expected 30s timeout to HUNGUP, got %v to %s", spec.After, spec.Target)
	}

	finals := def.FinalStates()
	if len(finals) != 1 || finals[0] != "HUNGUP" {
		t.Errorf("Expected final states [HUNGUP], got %v", finals)
	}
}

func TestBuilder_EmptyMachineType(t *testing.T) {
	_, err := NewBuilder("").
		InitialState("A").
		State("A").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_NoStates(t *testing.T) {
	_, err := NewBuilder("test").InitialState("A").Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_MissingInitialState(t *testing.T) {
	_, err := NewBuilder("test").
		State("A").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_UndeclaredInitialState(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("MISSING").
		State("A").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_DuplicateState(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").Done().
		State("A").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_UndeclaredTransitionTarget(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").On("go", "MISSING").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_UndeclaredTimeoutTarget(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").Timeout(time.Second, "MISSING").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_NonPositiveTimeout(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").Timeout(0, "B").Done().
		State("B").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_DuplicateTimeout(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").
		Timeout(time.Second, "B").
		Timeout(2*time.Second, "B").
		Done().
		State("B").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_FinalStateWithTimeout(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").On("go", "B").Done().
		State("B").Final().Timeout(time.Second, "A").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_StayAndTransitionConflict(t *testing.T) {
	noop := func(ctx context.Context, ac *ActionContext, ev event.Event) error { return nil }

	// Transition first, stay second
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").
		On("ping", "B").
		Stay("ping", noop).
		Done().
		State("B").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}

	// Stay first, transition second
	_, err = NewBuilder("test").
		InitialState("A").
		State("A").
		Stay("ping", noop).
		On("ping", "B").
		Done().
		State("B").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_DuplicateTransitionEvent(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").
		On("go", "B").
		On("go", "A").
		Done().
		State("B").Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_NilStayHandler(t *testing.T) {
	_, err := NewBuilder("test").
		InitialState("A").
		State("A").Stay("ping", nil).Done().
		Build()
	if !core.HasCode(err, core.CodeConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

func TestBuilder_BuildWithoutDone(t *testing.T) {
	// Build finalises the state in progress
	def, err := NewBuilder("test").
		InitialState("A").
		State("A").
		Build()
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	if !def.HasState("A") {
		t.Error("Expected state A to be registered")
	}
}

func TestBuilder_IndependentBuilds(t *testing.T) {
	b := NewBuilder("test").InitialState("A")
	b.State("A").On("go", "B").Done()
	b.State("B").Done()

	first, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}

	second, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build twice: %v", err)
	}

	if first == second {
		t.Error("Expected independent definitions from repeated builds")
	}

	a1, _ := first.State("A")
	a2, _ := second.State("A")
	if a1 == a2 {
		t.Error("Expected states to be copied per build")
	}
}

func TestBuilder_EventTypes(t *testing.T) {
	def := buildCallDefinition(t)

	ringing, _ := def.State("RINGING")
	types := ringing.EventTypes()
	if len(types) != 2 {
		t.Fatalf("Expected 2 event types, got %d", len(types))
	}
	if types[0] != "ANSWER" || types[1] != "HANGUP" {
		t.Errorf("Expected sorted event types [ANSWER HANGUP], got %v", types)
	}
}

func TestChainActions(t *testing.T) {
	calls := make([]string, 0)
	first := func(ctx context.Context, ac *ActionContext, ev event.Event) error {
		calls = append(calls, "first")
		return nil
	}
	second := func(ctx context.Context, ac *ActionContext, ev event.Event) error {
		calls = append(calls, "second")
		return core.NewError(core.CodeAction, "boom")
	}
	third := func(ctx context.Context, ac *ActionContext, ev event.Event) error {
		calls = append(calls, "third")
		return nil
	}

	chained := ChainActions(first, second, third)
	err := chained(context.Background(), &ActionContext{}, event.New("test", nil))
	if err == nil {
		t.Fatal("Expected chained action to fail")
	}
	if len(calls) != 2 {
		t.Errorf("Expected chain to stop after second action, got calls %v", calls)
	}
}

func TestNoOpAction(t *testing.T) {
	if err := NoOpAction()(context.Background(), &ActionContext{}, event.New("test", nil)); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}
