package leg

import (
	"fmt"
	"sync"
	"time"
)

// Registry owns every live Record. It is the single point of mutation:
// all loops read and write legs through it, and mutators hand out copies
// so no caller holds a pointer into the map.
type Registry struct {
	mu   sync.RWMutex
	legs map[Key]*Record
}

func NewRegistry() *Registry {
	return &Registry{legs: make(map[Key]*Record)}
}

// Insert adds a new record. A second record for the same key is refused.
func (r *Registry) Insert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rec.Key()
	if _, exists := r.legs[key]; exists {
		return fmt.Errorf("registry: leg already exists for %s", key)
	}
	rec.UpdatedAt = time.Now()
	cp := rec
	r.legs[key] = &cp
	return nil
}

// Get returns a copy of the record for key.
func (r *Registry) Get(key Key) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.legs[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies fn to the record under the registry lock and returns the
// mutated copy. Returns false when the key is absent.
func (r *Registry) Update(key Key, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.legs[key]
	if !ok {
		return Record{}, false
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	return *rec, true
}

// Remove deletes the record for key, returning the final copy. Exactly one
// caller observes ok=true for a given record; this is what makes
// realization exactly-once.
func (r *Registry) Remove(key Key) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.legs[key]
	if !ok {
		return Record{}, false
	}
	delete(r.legs, key)
	return *rec, true
}

// Keys returns the keys of all live legs.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, 0, len(r.legs))
	for k := range r.legs {
		out = append(out, k)
	}
	return out
}

// Snapshot returns copies of all live records.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.legs))
	for _, rec := range r.legs {
		out = append(out, *rec)
	}
	return out
}

// Len reports the number of live legs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.legs)
}

// CheckInvariants validates every live record.
func (r *Registry) CheckInvariants() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.legs {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return nil
}
