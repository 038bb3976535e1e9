// Package detect runs pattern detection over a captured graph view,
// producing findings for cycles, fan-in/fan-out concentration, and rapid
// pass-through chains.
//
// Detection is deterministic: given an identical view and identical
// parameters, the finding set and its enumeration order are identical.
package detect

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/flowgraph"
)

// ErrInvalidParams marks a malformed parameter set. Fatal to the run it was
// supplied to: the run aborts and no partial findings are produced.
var ErrInvalidParams = errors.New("detect: invalid parameters")

// Kind tags a finding with the structural pattern it describes.
type Kind string

const (
	KindCycle      Kind = "cycle"
	KindFanIn      Kind = "fan_in"
	KindFanOut     Kind = "fan_out"
	KindRapidChain Kind = "rapid_chain"
)

// kindRank defines the enumeration order of finding kinds.
var kindRank = map[Kind]int{
	KindCycle:      0,
	KindFanIn:      1,
	KindFanOut:     2,
	KindRapidChain: 3,
}

// EdgeRef identifies one aggregate edge participating in a finding.
type EdgeRef struct {
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

// Finding is a detected structural pattern. Findings are derived from a
// snapshot and recomputed on demand, never hand-edited.
type Finding struct {
	// Key is the finding's deterministic identity within a snapshot,
	// e.g. "cycle:a>b>c". Stable across runs over the same view.
	Key string `json:"key"`

	Kind     Kind     `json:"kind"`
	Entities []string `json:"entities"`
	Edges    []EdgeRef `json:"edges"`

	// Magnitude is the value metric of the pattern: bottleneck amount for
	// cycles, window volume for fans, retained-flow minimum for chains.
	Magnitude decimal.Decimal `json:"magnitude"`

	SnapshotVersion uint64    `json:"snapshotVersion"`
	DetectedAt      time.Time `json:"detectedAt"`
}

// Params is the immutable parameter set for one detection run. Captured at
// run start; never read from mutable configuration mid-computation.
type Params struct {
	MaxCycleLength int             `json:"maxCycleLength"`
	MinCycleAmount decimal.Decimal `json:"minCycleAmount"`

	FanWindow            time.Duration   `json:"fanWindow"`
	FanMinCounterparties int             `json:"fanMinCounterparties"`
	FanMinAmount         decimal.Decimal `json:"fanMinAmount"`

	PassThroughWindow       time.Duration `json:"passThroughWindow"`
	PassThroughTolerancePct float64       `json:"passThroughTolerancePct"`
}

// DefaultParams returns the built-in detection parameters.
func DefaultParams() Params {
	return Params{
		MaxCycleLength:          6,
		MinCycleAmount:          decimal.NewFromInt(1000),
		FanWindow:               24 * time.Hour,
		FanMinCounterparties:    10,
		FanMinAmount:            decimal.NewFromInt(10000),
		PassThroughWindow:       time.Hour,
		PassThroughTolerancePct: 10,
	}
}

// Validate checks the parameter set. Failures wrap ErrInvalidParams.
func (p Params) Validate() error {
	if p.MaxCycleLength < 2 {
		return fmt.Errorf("%w: maxCycleLength %d, need at least 2", ErrInvalidParams, p.MaxCycleLength)
	}
	if p.MinCycleAmount.IsNegative() {
		return fmt.Errorf("%w: negative minCycleAmount %s", ErrInvalidParams, p.MinCycleAmount)
	}
	if p.FanWindow <= 0 {
		return fmt.Errorf("%w: fanWindow must be positive", ErrInvalidParams)
	}
	if p.FanMinCounterparties < 2 {
		return fmt.Errorf("%w: fanMinCounterparties %d, need at least 2", ErrInvalidParams, p.FanMinCounterparties)
	}
	if p.FanMinAmount.IsNegative() {
		return fmt.Errorf("%w: negative fanMinAmount %s", ErrInvalidParams, p.FanMinAmount)
	}
	if p.PassThroughWindow <= 0 {
		return fmt.Errorf("%w: passThroughWindow must be positive", ErrInvalidParams)
	}
	if p.PassThroughTolerancePct < 0 || p.PassThroughTolerancePct > 100 {
		return fmt.Errorf("%w: passThroughTolerancePct %.2f outside [0,100]", ErrInvalidParams, p.PassThroughTolerancePct)
	}
	return nil
}

// Detector runs pattern detection. Re-entrant: concurrent runs over
// different views are independent.
type Detector struct {
	logger *slog.Logger
}

// New creates a detector.
func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// Run produces the findings for one view under one parameter set.
// A parameter validation failure aborts the run with no findings.
func (d *Detector) Run(view *flowgraph.GraphView, params Params) ([]Finding, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	findings := d.detectCycles(view, params)
	findings = append(findings, d.detectFans(view, params)...)
	findings = append(findings, d.detectPassThrough(view, params)...)

	for i := range findings {
		findings[i].SnapshotVersion = view.Version
		findings[i].DetectedAt = view.CapturedAt
	}
	sortFindings(findings)

	d.logger.Debug("detection run complete",
		"snapshot_version", view.Version,
		"findings", len(findings),
	)
	return findings, nil
}

// sortFindings applies the defined total order: kind, then magnitude
// descending, then canonical entity-id tiebreak.
func sortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		if !a.Magnitude.Equal(b.Magnitude) {
			return a.Magnitude.GreaterThan(b.Magnitude)
		}
		return a.Key < b.Key
	})
}

// findingKey builds a deterministic identity from kind and entity path.
func findingKey(kind Kind, entities []string) string {
	return string(kind) + ":" + strings.Join(entities, ">")
}

// latestActivity returns the most recent edge timestamp in the view. The
// sliding windows of the fan and pass-through detectors end here, so a run
// over an identical view sees identical windows regardless of wall time.
func latestActivity(view *flowgraph.GraphView) time.Time {
	var latest time.Time
	for _, e := range view.Edges {
		if e.LastSeen.After(latest) {
			latest = e.LastSeen
		}
	}
	return latest
}

// windowAmount sums an edge's hour buckets that fall inside (cutoffHour is
// the bucket of the window's lower bound; hour buckets at or after it count).
func windowAmount(e flowgraph.EdgeSnapshot, cutoffHour int64) decimal.Decimal {
	total := decimal.Zero
	for hour, b := range e.Buckets {
		if hour >= cutoffHour {
			total = total.Add(b.Amount)
		}
	}
	return total
}
