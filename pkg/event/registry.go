package event

import (
	"reflect"
	"sync"
	"unicode"

	"github.com/statorio/stator/pkg/core"
)

// Registry maps payload variant types to stable string tags. Callers register
// their variants at startup; unregistered variants get a deterministic
// fallback tag derived from the type name, so dispatch never depends on
// registration order. Dispatch itself is by tag equality only; reflection is
// confined to tag resolution.
type Registry struct {
	mu   sync.RWMutex
	tags map[reflect.Type]string
}

// NewRegistry creates an empty variant registry
func NewRegistry() *Registry {
	return &Registry{
		tags: make(map[reflect.Type]string),
	}
}

// Register binds a variant's type to a tag (fail-fast)
// Registering the same type twice with a different tag is a configuration error
func (r *Registry) Register(variant interface{}, tag string) error {
	if variant == nil {
		return core.NewError(core.CodeInvalidInput, "variant cannot be nil")
	}
	if tag == "" {
		return core.NewError(core.CodeInvalidInput, "tag cannot be empty")
	}

	t := indirectType(variant)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tags[t]; ok && existing != tag {
		return core.NewError(core.CodeConfig,
			"variant "+t.String()+" already registered as "+existing)
	}
	r.tags[t] = tag
	return nil
}

// TypeOf returns the registered tag for a variant, or the deterministic
// fallback derived from its type name
func (r *Registry) TypeOf(variant interface{}) string {
	if variant == nil {
		return ""
	}

	t := indirectType(variant)

	r.mu.RLock()
	tag, ok := r.tags[t]
	r.mu.RUnlock()

	if ok {
		return tag
	}
	return FallbackTag(t.Name())
}

// Wrap builds an Event for a variant using its resolved tag
func (r *Registry) Wrap(variant interface{}) Event {
	return Event{Type: r.TypeOf(variant), Payload: variant}
}

// indirectType resolves the concrete non-pointer type of a variant, so that
// Foo and *Foo share one tag
func indirectType(variant interface{}) reflect.Type {
	t := reflect.TypeOf(variant)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// FallbackTag derives a deterministic tag from a Go type name:
// "IncomingCall" becomes "INCOMING_CALL", "SMSDelivered" becomes
// "SMS_DELIVERED". Anonymous types yield "EVENT".
func FallbackTag(typeName string) string {
	if typeName == "" {
		return "EVENT"
	}

	runes := []rune(typeName)
	out := make([]rune, 0, len(runes)+4)

	for i, c := range runes {
		if unicode.IsUpper(c) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			// Break before an upper that follows a lower/digit, or that
			// starts a new word at the end of an acronym run
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				out = append(out, '_')
			}
		}
		out = append(out, unicode.ToUpper(c))
	}
	return string(out)
}
