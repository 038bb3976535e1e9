package query

import (
	"context"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/flowgraph"
	"github.com/flowtrace/flowtrace/internal/registry"
	"github.com/flowtrace/flowtrace/internal/risk"
)

// Facade is the read side. Every method serves already-materialized state:
// the live graph for entities and edges, the latest publication for findings
// and assessments. Reads never trigger detection or scoring.
type Facade struct {
	registry *registry.Registry
	graph    *flowgraph.Store
	pubs     Store
}

// NewFacade creates the read facade over the graph and publication store.
func NewFacade(reg *registry.Registry, graph *flowgraph.Store, pubs Store) *Facade {
	return &Facade{registry: reg, graph: graph, pubs: pubs}
}

// GetEntity returns the current registry state of one entity.
func (f *Facade) GetEntity(_ context.Context, id string) (registry.Entity, error) {
	return f.registry.Get(id)
}

// ListEdgesFor returns every edge touching the entity, inbound and outbound,
// sorted by edge key.
func (f *Facade) ListEdgesFor(ctx context.Context, entityID string) ([]flowgraph.EdgeSnapshot, error) {
	if _, err := f.registry.Get(entityID); err != nil {
		return nil, err
	}
	return f.graph.EdgesFor(ctx, entityID)
}

// LatestPublication returns the newest published detection run.
func (f *Facade) LatestPublication(ctx context.Context) (*Publication, error) {
	return f.pubs.Latest(ctx)
}

// ListFindings returns the latest publication's findings, filtered. Order is
// the publication's own deterministic order.
func (f *Facade) ListFindings(ctx context.Context, filter FindingFilter) ([]detect.Finding, error) {
	pub, err := f.pubs.Latest(ctx)
	if err != nil {
		return nil, err
	}

	var result []detect.Finding
	for _, finding := range pub.Findings {
		if !filter.matches(finding) {
			continue
		}
		result = append(result, finding)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// GetRiskAssessment returns the latest published assessment for one entity.
// A known entity absent from the publication participated in no findings and
// reads back as level none, stamped with the publication's versions.
func (f *Facade) GetRiskAssessment(ctx context.Context, entityID string) (risk.Assessment, error) {
	if _, err := f.registry.Get(entityID); err != nil {
		return risk.Assessment{}, err
	}
	pub, err := f.pubs.Latest(ctx)
	if err != nil {
		return risk.Assessment{}, err
	}
	if a, ok := pub.Assessments[entityID]; ok {
		return a, nil
	}
	return risk.Assessment{
		EntityID:          entityID,
		Level:             risk.LevelNone,
		ThresholdsVersion: pub.ThresholdsVersion,
		SnapshotVersion:   pub.SnapshotVersion,
	}, nil
}
