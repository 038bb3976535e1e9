// Package registry tracks the parties referenced by ingested transaction
// records. Entities are created on first reference and never deleted, only
// annotated.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowtrace/flowtrace/internal/syncutil"
)

var (
	ErrEntityNotFound  = errors.New("registry: entity not found")
	ErrInvalidEntityID = errors.New("registry: invalid entity id")
)

// Entity represents a tracked party identified by a stable key.
type Entity struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Tags []string `json:"tags,omitempty"`

	// Evidence holds opaque labels attached by the external artifact
	// categorization service. The engine never interprets them.
	Evidence []string `json:"evidence,omitempty"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Registry is the in-memory entity map. The map structure is guarded by an
// RWMutex; field updates on individual entities are serialized by a sharded
// per-id lock so unrelated entities can be annotated in parallel.
type Registry struct {
	mu       sync.RWMutex
	locks    syncutil.ShardedMutex
	entities map[string]*Entity
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
	}
}

// Resolve returns the entity for id, creating it with defaults if absent.
// seen advances the entity's first/last-seen timestamps. A newly created
// entity is visible to all subsequent reads before Resolve returns.
func (r *Registry) Resolve(id string, seen time.Time) (Entity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entity{}, ErrInvalidEntityID
	}

	r.mu.RLock()
	e, ok := r.entities[id]
	r.mu.RUnlock()

	if !ok {
		// Compare-and-create: re-check under the write lock so two
		// concurrent resolvers agree on one entity.
		r.mu.Lock()
		e, ok = r.entities[id]
		if !ok {
			e = &Entity{ID: id, FirstSeen: seen, LastSeen: seen}
			r.entities[id] = e
			r.mu.Unlock()
			return copyEntity(e), nil
		}
		r.mu.Unlock()
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	if seen.Before(e.FirstSeen) {
		e.FirstSeen = seen
	}
	if seen.After(e.LastSeen) {
		e.LastSeen = seen
	}
	return copyEntity(e), nil
}

// Get returns the entity for id, or ErrEntityNotFound.
func (r *Registry) Get(id string) (Entity, error) {
	r.mu.RLock()
	e, ok := r.entities[id]
	r.mu.RUnlock()
	if !ok {
		return Entity{}, ErrEntityNotFound
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	return copyEntity(e), nil
}

// Annotate merges tags into the entity's tag set and bumps last-seen.
func (r *Registry) Annotate(id string, tags ...string) (Entity, error) {
	r.mu.RLock()
	e, ok := r.entities[id]
	r.mu.RUnlock()
	if !ok {
		return Entity{}, ErrEntityNotFound
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	e.Tags = mergeSet(e.Tags, tags)
	if now := time.Now().UTC(); now.After(e.LastSeen) {
		e.LastSeen = now
	}
	return copyEntity(e), nil
}

// SetName sets the entity's display name if one is not already present.
func (r *Registry) SetName(id, name string) (Entity, error) {
	r.mu.RLock()
	e, ok := r.entities[id]
	r.mu.RUnlock()
	if !ok {
		return Entity{}, ErrEntityNotFound
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	if name != "" {
		e.Name = name
	}
	return copyEntity(e), nil
}

// AttachEvidence appends an opaque evidence label from the external
// categorization service. Duplicate labels are collapsed.
func (r *Registry) AttachEvidence(id, label string) (Entity, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return r.Get(id)
	}

	r.mu.RLock()
	e, ok := r.entities[id]
	r.mu.RUnlock()
	if !ok {
		return Entity{}, ErrEntityNotFound
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	e.Evidence = mergeSet(e.Evidence, []string{label})
	return copyEntity(e), nil
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// All returns copies of every entity, ordered by id.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		e, err := r.Get(id)
		if err != nil {
			continue // cannot happen: entities are never deleted
		}
		out = append(out, e)
	}
	return out
}

func copyEntity(e *Entity) Entity {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	cp.Evidence = append([]string(nil), e.Evidence...)
	return cp
}

// mergeSet returns the sorted set union of existing and add, dropping empties.
func mergeSet(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, s := range existing {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range add {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
