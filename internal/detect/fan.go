package detect

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/flowgraph"
)

// detectFans flags entities whose inbound (fan-in) or outbound (fan-out)
// flow inside the sliding window is spread over at least
// FanMinCounterparties distinct counterparties while the aggregate window
// amount meets FanMinAmount.
//
// The window ends at the view's latest edge activity, not at wall time, so
// the result depends only on the view and the parameters. Window membership
// is at hour-bucket granularity, matching the edge sub-aggregates.
func (d *Detector) detectFans(view *flowgraph.GraphView, params Params) []Finding {
	asOf := latestActivity(view)
	if asOf.IsZero() {
		return nil
	}
	cutoff := bucketHour(asOf.Add(-params.FanWindow))

	var findings []Finding
	for _, id := range view.EntityIDs() {
		if f, ok := fanFinding(KindFanIn, id, view.InEdges(id), params, cutoff); ok {
			findings = append(findings, f)
		}
		if f, ok := fanFinding(KindFanOut, id, view.OutEdges(id), params, cutoff); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

// fanFinding evaluates one direction of one entity's window flow.
func fanFinding(kind Kind, id string, edges []flowgraph.EdgeSnapshot, params Params, cutoffHour int64) (Finding, bool) {
	total := decimal.Zero
	var counterparties []string
	var refs []EdgeRef

	for _, e := range edges {
		amt := windowAmount(e, cutoffHour)
		if !amt.IsPositive() {
			continue
		}
		total = total.Add(amt)

		other := e.Source
		if kind == KindFanOut {
			other = e.Destination
		}
		counterparties = append(counterparties, other)
		refs = append(refs, EdgeRef{Source: e.Source, Destination: e.Destination, Amount: amt})
	}

	if len(counterparties) < params.FanMinCounterparties || total.LessThan(params.FanMinAmount) {
		return Finding{}, false
	}

	// Focal entity first, then its counterparties (already in id order,
	// because InEdges/OutEdges enumerate sorted).
	entities := append([]string{id}, counterparties...)
	return Finding{
		Key:       findingKey(kind, entities),
		Kind:      kind,
		Entities:  entities,
		Edges:     refs,
		Magnitude: total,
	}, true
}

func bucketHour(ts time.Time) int64 {
	return ts.UTC().Truncate(time.Hour).Unix()
}
