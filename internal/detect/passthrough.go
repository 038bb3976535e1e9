package detect

import (
	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/flowgraph"
)

// detectPassThrough flags entities whose inbound and outbound amounts inside
// the pass-through window are approximately equal: funds transiting without
// material retention. The reported magnitude is the smaller of the two sides,
// the value that demonstrably passed through.
func (d *Detector) detectPassThrough(view *flowgraph.GraphView, params Params) []Finding {
	asOf := latestActivity(view)
	if asOf.IsZero() {
		return nil
	}
	cutoff := bucketHour(asOf.Add(-params.PassThroughWindow))

	var findings []Finding
	for _, id := range view.EntityIDs() {
		inTotal := decimal.Zero
		var refs []EdgeRef
		for _, e := range view.InEdges(id) {
			if amt := windowAmount(e, cutoff); amt.IsPositive() {
				inTotal = inTotal.Add(amt)
				refs = append(refs, EdgeRef{Source: e.Source, Destination: e.Destination, Amount: amt})
			}
		}
		if !inTotal.IsPositive() {
			continue
		}

		outTotal := decimal.Zero
		for _, e := range view.OutEdges(id) {
			if amt := windowAmount(e, cutoff); amt.IsPositive() {
				outTotal = outTotal.Add(amt)
				refs = append(refs, EdgeRef{Source: e.Source, Destination: e.Destination, Amount: amt})
			}
		}
		if !outTotal.IsPositive() {
			continue
		}

		larger, smaller := inTotal, outTotal
		if outTotal.GreaterThan(inTotal) {
			larger, smaller = outTotal, inTotal
		}
		// |in - out| <= tolerancePct% of the larger side.
		tolerance := larger.Mul(decimal.NewFromFloat(params.PassThroughTolerancePct)).Div(decimal.NewFromInt(100))
		if larger.Sub(smaller).GreaterThan(tolerance) {
			continue
		}

		findings = append(findings, Finding{
			Key:       findingKey(KindRapidChain, []string{id}),
			Kind:      KindRapidChain,
			Entities:  []string{id},
			Edges:     refs,
			Magnitude: smaller,
		})
	}
	return findings
}
