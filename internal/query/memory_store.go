package query

import (
	"context"
	"sync"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/risk"
)

// MemoryStore is an in-memory publication store for demo/development mode.
type MemoryStore struct {
	latest *Publication
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory publication store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Publish(_ context.Context, pub *Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest != nil && pub.SnapshotVersion < m.latest.SnapshotVersion {
		return nil
	}
	cp := clonePublication(pub)
	m.latest = cp
	return nil
}

func (m *MemoryStore) Latest(_ context.Context) (*Publication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil, ErrNoPublication
	}
	return clonePublication(m.latest), nil
}

func clonePublication(pub *Publication) *Publication {
	cp := *pub
	if pub.Findings != nil {
		cp.Findings = make([]detect.Finding, len(pub.Findings))
		copy(cp.Findings, pub.Findings)
	}
	if pub.Assessments != nil {
		cp.Assessments = make(map[string]risk.Assessment, len(pub.Assessments))
		for id, a := range pub.Assessments {
			cp.Assessments[id] = a
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
