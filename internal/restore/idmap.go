package restore

import (
	"fmt"
	"sync"
)

// IDMapping accumulates old→new record id pairs as objects restore. It is
// append-only: re-registering an identical pair is a no-op, but mapping an
// old id to two different new ids means the restore has diverged and must
// stop.
type IDMapping struct {
	mu sync.RWMutex
	m  map[string]map[string]string // object -> old id -> new id
}

// NewIDMapping creates an empty id mapping.
func NewIDMapping() *IDMapping {
	return &IDMapping{m: make(map[string]map[string]string)}
}

// Register records one old→new pair. Idempotent on identical pairs; a
// conflicting pair is fatal.
func (im *IDMapping) Register(object, oldID, newID string) error {
	if oldID == "" || newID == "" {
		return fmt.Errorf("id mapping for %s requires both ids, got %q -> %q", object, oldID, newID)
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	byObject, ok := im.m[object]
	if !ok {
		byObject = make(map[string]string)
		im.m[object] = byObject
	}

	if existing, ok := byObject[oldID]; ok {
		if existing == newID {
			return nil
		}
		return fmt.Errorf("conflicting id mapping for %s %s: %s vs %s", object, oldID, existing, newID)
	}
	byObject[oldID] = newID
	return nil
}

// Resolve returns the new id for an old id of the given object.
func (im *IDMapping) Resolve(object, oldID string) (string, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	newID, ok := im.m[object][oldID]
	return newID, ok
}

// ResolveAny tries each candidate object in turn; polymorphic lookups
// reference several possible parents.
func (im *IDMapping) ResolveAny(objects []string, oldID string) (string, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	for _, object := range objects {
		if newID, ok := im.m[object][oldID]; ok {
			return newID, true
		}
	}
	return "", false
}

// Count returns the number of pairs registered for an object.
func (im *IDMapping) Count(object string) int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return len(im.m[object])
}
