package event

import "testing"

type IncomingCall struct {
	Caller string
}

type SMSDelivered struct {
	MessageID string
}

type sessionProgress struct{}

func TestRegistryRegisterAndTypeOf(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(IncomingCall{}, "INCOMING_CALL"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if got := r.TypeOf(IncomingCall{Caller: "+155501"}); got != "INCOMING_CALL" {
		t.Errorf("TypeOf() = %q, want INCOMING_CALL", got)
	}

	// Pointer variants resolve to the same tag
	if got := r.TypeOf(&IncomingCall{}); got != "INCOMING_CALL" {
		t.Errorf("TypeOf(ptr) = %q, want INCOMING_CALL", got)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(IncomingCall{}, "INCOMING_CALL"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Same tag again is fine
	if err := r.Register(IncomingCall{}, "INCOMING_CALL"); err != nil {
		t.Errorf("re-Register() with same tag error = %v", err)
	}
	// Different tag is a configuration error
	if err := r.Register(IncomingCall{}, "CALL_IN"); err == nil {
		t.Error("Register() with conflicting tag should fail")
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(nil, "X"); err == nil {
		t.Error("Register(nil) should fail")
	}
	if err := r.Register(IncomingCall{}, ""); err == nil {
		t.Error("Register() with empty tag should fail")
	}
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry()

	// Unregistered variants get the deterministic fallback
	if got := r.TypeOf(SMSDelivered{}); got != "SMS_DELIVERED" {
		t.Errorf("TypeOf(unregistered) = %q, want SMS_DELIVERED", got)
	}
	if got := r.TypeOf(sessionProgress{}); got != "SESSION_PROGRESS" {
		t.Errorf("TypeOf(unregistered) = %q, want SESSION_PROGRESS", got)
	}
}

func TestFallbackTag(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"IncomingCall", "INCOMING_CALL"},
		{"SMSDelivered", "SMS_DELIVERED"},
		{"sessionProgress", "SESSION_PROGRESS"},
		{"Answer", "ANSWER"},
		{"HTTPRequest", "HTTP_REQUEST"},
		{"Call2Answer", "CALL2_ANSWER"},
		{"", "EVENT"},
	}

	for _, tt := range tests {
		if got := FallbackTag(tt.name); got != tt.want {
			t.Errorf("FallbackTag(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRegistryWrap(t *testing.T) {
	r := NewRegistry()
	r.Register(IncomingCall{}, "INCOMING_CALL")

	ev := r.Wrap(IncomingCall{Caller: "+155501"})
	if ev.Type != "INCOMING_CALL" {
		t.Errorf("Wrap().Type = %q", ev.Type)
	}
	payload, ok := ev.Payload.(IncomingCall)
	if !ok || payload.Caller != "+155501" {
		t.Errorf("Wrap().Payload = %#v", ev.Payload)
	}
}

func TestEventIsZero(t *testing.T) {
	if !(Event{}).IsZero() {
		t.Error("zero event should report IsZero")
	}
	if New("ANSWER", nil).IsZero() {
		t.Error("typed event should not report IsZero")
	}
}
