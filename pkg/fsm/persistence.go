package fsm

import (
	"context"
	"sync"
)

// Persistence is the slice of the entity store a machine needs: committing
// its own persistent context. Inserts, lookups and archival stay with the
// registry.
type Persistence interface {
	UpdateByID(ctx context.Context, machineID string, pc PersistentContext) error
}

// MemoryPersistence keeps persistent contexts in a map (for testing).
type MemoryPersistence struct {
	mu       sync.RWMutex
	contexts map[string]PersistentContext
}

// NewMemoryPersistence creates an empty in-memory persistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		contexts: make(map[string]PersistentContext),
	}
}

// UpdateByID stores a deep copy of the context under the machine id.
func (p *MemoryPersistence) UpdateByID(ctx context.Context, machineID string, pc PersistentContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts[machineID] = pc.DeepCopy()
	return nil
}

// Load returns a copy of the stored context, if any.
func (p *MemoryPersistence) Load(machineID string) (PersistentContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pc, ok := p.contexts[machineID]
	if !ok {
		return nil, false
	}
	return pc.DeepCopy(), true
}

// Len returns the number of stored contexts.
func (p *MemoryPersistence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.contexts)
}
