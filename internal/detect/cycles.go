package detect

import (
	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/flowgraph"
)

// detectCycles enumerates simple directed cycles of length 2..MaxCycleLength
// whose bottleneck edge amount meets MinCycleAmount.
//
// Each DFS from a start node only visits nodes lexicographically greater than
// the start, so every cycle is discovered exactly once in its canonical
// rotation: the one beginning at its smallest entity id. Edges below the
// minimum amount are pruned immediately, since the bottleneck along any path
// through them could never recover.
func (d *Detector) detectCycles(view *flowgraph.GraphView, params Params) []Finding {
	var findings []Finding

	for _, start := range view.EntityIDs() {
		path := []string{start}
		onPath := map[string]bool{start: true}

		var dfs func(current string, bottleneck decimal.Decimal)
		dfs = func(current string, bottleneck decimal.Decimal) {
			for _, next := range view.Successors(current) {
				edge, ok := view.Edge(current, next)
				if !ok || edge.TotalAmount.LessThan(params.MinCycleAmount) {
					continue
				}

				min := edge.TotalAmount
				if len(path) > 1 && bottleneck.LessThan(min) {
					min = bottleneck
				}

				if next == start {
					if len(path) < 2 {
						continue // self-loops are not reported as cycles
					}
					findings = append(findings, cycleFinding(view, path, min))
					continue
				}
				if next <= start || onPath[next] || len(path) >= params.MaxCycleLength {
					continue
				}

				onPath[next] = true
				path = append(path, next)
				dfs(next, min)
				path = path[:len(path)-1]
				delete(onPath, next)
			}
		}
		dfs(start, decimal.Zero)
	}
	return findings
}

// cycleFinding materializes a finding for the cycle described by path, whose
// first element is the canonical (smallest) entity id.
func cycleFinding(view *flowgraph.GraphView, path []string, bottleneck decimal.Decimal) Finding {
	entities := append([]string(nil), path...)
	edges := make([]EdgeRef, 0, len(path))
	for i := range path {
		src := path[i]
		dst := path[(i+1)%len(path)]
		if e, ok := view.Edge(src, dst); ok {
			edges = append(edges, EdgeRef{Source: src, Destination: dst, Amount: e.TotalAmount})
		}
	}
	return Finding{
		Key:       findingKey(KindCycle, entities),
		Kind:      KindCycle,
		Entities:  entities,
		Edges:     edges,
		Magnitude: bottleneck,
	}
}
