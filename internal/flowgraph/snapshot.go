package flowgraph

import (
	"context"
	"sort"
	"time"

	"github.com/flowtrace/flowtrace/internal/registry"
)

// GraphView is an immutable point-in-time view of the graph. It is captured
// at a logical ingestion point (Version) and never changes afterwards, even
// while ingestion continues on the live store. Pattern detection runs against
// a GraphView, never against the store itself.
type GraphView struct {
	Version    uint64                     `json:"version"`
	CapturedAt time.Time                  `json:"capturedAt"`
	Entities   map[string]registry.Entity `json:"entities"`
	Edges      map[string]EdgeSnapshot    `json:"edges"`

	outbound map[string][]string // entity id -> sorted destination ids
	inbound  map[string][]string // entity id -> sorted source ids
}

// Snapshot captures a consistent view of the graph. Each edge is copied under
// its key lock, so the view never observes a partially applied record; the
// capture does not block readers and holds no lock across the whole graph.
func (s *Store) Snapshot(ctx context.Context) (*GraphView, error) {
	version := s.version.Load()

	s.mu.RLock()
	keys := make([]string, 0, len(s.edges))
	live := make(map[string]*edge, len(s.edges))
	for k, e := range s.edges {
		keys = append(keys, k)
		live[k] = e
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	view := &GraphView{
		Version:    version,
		CapturedAt: time.Now().UTC(),
		Entities:   make(map[string]registry.Entity),
		Edges:      make(map[string]EdgeSnapshot, len(keys)),
		outbound:   make(map[string][]string),
		inbound:    make(map[string][]string),
	}

	for _, key := range keys {
		unlock, err := s.edgeLocks.LockContext(ctx, key)
		if err != nil {
			return nil, err
		}
		snap := live[key].snapshot()
		unlock()

		view.Edges[key] = snap
		view.outbound[snap.Source] = append(view.outbound[snap.Source], snap.Destination)
		view.inbound[snap.Destination] = append(view.inbound[snap.Destination], snap.Source)
	}
	for _, adj := range []map[string][]string{view.outbound, view.inbound} {
		for _, ids := range adj {
			sort.Strings(ids)
		}
	}

	for _, e := range s.registry.All() {
		view.Entities[e.ID] = e
	}
	return view, nil
}

// Edge returns the aggregate for an ordered pair within the view.
func (v *GraphView) Edge(source, destination string) (EdgeSnapshot, bool) {
	e, ok := v.Edges[EdgeKey(source, destination)]
	return e, ok
}

// OutEdges returns the entity's outbound edges, ordered by destination id.
func (v *GraphView) OutEdges(entityID string) []EdgeSnapshot {
	dests := v.outbound[entityID]
	out := make([]EdgeSnapshot, 0, len(dests))
	for _, d := range dests {
		if e, ok := v.Edge(entityID, d); ok {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns the entity's inbound edges, ordered by source id.
func (v *GraphView) InEdges(entityID string) []EdgeSnapshot {
	srcs := v.inbound[entityID]
	in := make([]EdgeSnapshot, 0, len(srcs))
	for _, s := range srcs {
		if e, ok := v.Edge(s, entityID); ok {
			in = append(in, e)
		}
	}
	return in
}

// Successors returns the sorted destination ids reachable one hop from id.
func (v *GraphView) Successors(entityID string) []string {
	return v.outbound[entityID]
}

// EntityIDs returns every entity id in the view, sorted.
func (v *GraphView) EntityIDs() []string {
	ids := make([]string, 0, len(v.Entities))
	for id := range v.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
