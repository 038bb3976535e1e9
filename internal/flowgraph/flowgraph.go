// Package flowgraph maintains the directed multigraph implied by ingested
// transaction records: one aggregate edge per ordered (source, destination)
// pair, with per-hour sub-aggregates for rate-based heuristics.
//
// Writers are serialized per edge key; unrelated edges mutate in parallel.
// Aggregates are append-only: count and cumulative amount never decrease.
package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/registry"
	"github.com/flowtrace/flowtrace/internal/syncutil"
)

var (
	// ErrInvalidRecord marks a malformed record. Non-fatal: reported
	// per record, ingestion continues.
	ErrInvalidRecord = errors.New("flowgraph: invalid record")

	// ErrDuplicateRecord marks a record id seen before. Non-fatal.
	ErrDuplicateRecord = errors.New("flowgraph: duplicate record")
)

// WindowBucket is a per-hour sub-aggregate on an edge.
type WindowBucket struct {
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`
}

// edge is the mutable aggregate for one ordered entity pair. All field
// access happens under the edge's key lock.
type edge struct {
	source      string
	destination string
	total       decimal.Decimal
	count       int64
	firstSeen   time.Time
	lastSeen    time.Time
	buckets     map[int64]WindowBucket // unix hour -> sub-aggregate
}

// EdgeSnapshot is an immutable copy of an edge's aggregate state.
type EdgeSnapshot struct {
	Source      string                 `json:"source"`
	Destination string                 `json:"destination"`
	TotalAmount decimal.Decimal        `json:"totalAmount"`
	Count       int64                  `json:"count"`
	FirstSeen   time.Time              `json:"firstSeen"`
	LastSeen    time.Time              `json:"lastSeen"`
	Buckets     map[int64]WindowBucket `json:"buckets,omitempty"`
}

// Key returns the edge's composite key.
func (e EdgeSnapshot) Key() string {
	return EdgeKey(e.Source, e.Destination)
}

// Store is the flow graph store. Edge mutations are serialized by a
// context-aware sharded mutex keyed on the edge's composite key; the maps
// themselves are guarded by a short-held RWMutex.
type Store struct {
	registry  *registry.Registry
	edgeLocks *syncutil.ContextShardedMutex

	mu    sync.RWMutex
	edges map[string]*edge
	seen  map[string]struct{} // accepted record ids, global across batches

	version atomic.Uint64 // bumped on every accepted record
}

// NewStore creates an empty flow graph backed by the given registry.
func NewStore(reg *registry.Registry) *Store {
	return &Store{
		registry:  reg,
		edgeLocks: syncutil.NewContextShardedMutex(),
		edges:     make(map[string]*edge),
		seen:      make(map[string]struct{}),
	}
}

// ApplyTransaction validates rec, checks its id against the global dedup set,
// resolves both endpoints, and folds the amount into the edge's aggregates.
// Returns the edge's post-apply snapshot.
//
// Invalid and duplicate records return ErrInvalidRecord / ErrDuplicateRecord
// without touching any aggregate.
func (s *Store) ApplyTransaction(ctx context.Context, rec TransactionRecord) (EdgeSnapshot, error) {
	if err := rec.Validate(); err != nil {
		return EdgeSnapshot{}, err
	}

	key := rec.EdgeKey()
	unlock, err := s.edgeLocks.LockContext(ctx, key)
	if err != nil {
		return EdgeSnapshot{}, err
	}
	defer unlock()

	s.mu.Lock()
	if _, dup := s.seen[rec.ID]; dup {
		s.mu.Unlock()
		return EdgeSnapshot{}, fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}
	s.seen[rec.ID] = struct{}{}
	e, ok := s.edges[key]
	if !ok {
		e = &edge{
			source:      rec.Source,
			destination: rec.Destination,
			firstSeen:   rec.Timestamp,
			lastSeen:    rec.Timestamp,
			buckets:     make(map[int64]WindowBucket),
		}
		s.edges[key] = e
	}
	s.mu.Unlock()

	// Endpoint registration is atomic with the edge's first aggregation:
	// both happen under the edge key lock, and Resolve cannot fail for a
	// record that passed Validate.
	if _, err := s.registry.Resolve(rec.Source, rec.Timestamp); err != nil {
		return EdgeSnapshot{}, fmt.Errorf("%w: source: %s", ErrInvalidRecord, err)
	}
	if _, err := s.registry.Resolve(rec.Destination, rec.Timestamp); err != nil {
		return EdgeSnapshot{}, fmt.Errorf("%w: destination: %s", ErrInvalidRecord, err)
	}

	// Category tags accumulate on the originating entity.
	if rec.Category != "" {
		_, _ = s.registry.Annotate(rec.Source, rec.Category)
	}

	e.total = e.total.Add(rec.Amount)
	e.count++
	if rec.Timestamp.Before(e.firstSeen) {
		e.firstSeen = rec.Timestamp
	}
	if rec.Timestamp.After(e.lastSeen) {
		e.lastSeen = rec.Timestamp
	}
	hour := bucketKey(rec.Timestamp)
	b := e.buckets[hour]
	b.Amount = b.Amount.Add(rec.Amount)
	b.Count++
	e.buckets[hour] = b

	s.version.Add(1)
	return e.snapshot(), nil
}

// Seen reports whether a record id has already been accepted.
func (s *Store) Seen(recordID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[recordID]
	return ok
}

// Version returns the logical ingestion point: the number of accepted records.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// EntityCount returns the number of entities in the backing registry.
func (s *Store) EntityCount() int {
	return s.registry.Len()
}

// EdgeCount returns the number of distinct aggregate edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// Edge returns the current aggregate snapshot for an ordered pair, if any.
func (s *Store) Edge(ctx context.Context, source, destination string) (EdgeSnapshot, bool, error) {
	key := EdgeKey(source, destination)

	s.mu.RLock()
	e, ok := s.edges[key]
	s.mu.RUnlock()
	if !ok {
		return EdgeSnapshot{}, false, nil
	}

	unlock, err := s.edgeLocks.LockContext(ctx, key)
	if err != nil {
		return EdgeSnapshot{}, false, err
	}
	defer unlock()
	return e.snapshot(), true, nil
}

// EdgesFor returns snapshots of every edge touching the given entity,
// outbound first, ordered by counterparty id.
func (s *Store) EdgesFor(ctx context.Context, entityID string) ([]EdgeSnapshot, error) {
	view, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := view.OutEdges(entityID)
	return append(out, view.InEdges(entityID)...), nil
}

// snapshot copies the edge's aggregate state. Caller holds the edge key lock.
func (e *edge) snapshot() EdgeSnapshot {
	buckets := make(map[int64]WindowBucket, len(e.buckets))
	for k, v := range e.buckets {
		buckets[k] = v
	}
	return EdgeSnapshot{
		Source:      e.source,
		Destination: e.destination,
		TotalAmount: e.total,
		Count:       e.count,
		FirstSeen:   e.firstSeen,
		LastSeen:    e.lastSeen,
		Buckets:     buckets,
	}
}

// bucketKey maps a timestamp to its UTC hour bucket.
func bucketKey(ts time.Time) int64 {
	return ts.UTC().Truncate(time.Hour).Unix()
}
