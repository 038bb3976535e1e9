package risk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/detect"
)

// ErrInvalidThresholds indicates a malformed threshold configuration. Scoring
// refuses to run rather than produce assessments under broken cutpoints.
var ErrInvalidThresholds = errors.New("invalid risk thresholds")

// Level grades an entity's exposure. Levels are ordered: an entity's
// assessment carries the highest level any of its findings reached.
type Level string

const (
	LevelNone   Level = "none"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

var levelRank = map[Level]int{
	LevelNone:   0,
	LevelLow:    1,
	LevelMedium: 2,
	LevelHigh:   3,
}

// Exceeds reports whether l outranks other.
func (l Level) Exceeds(other Level) bool {
	return levelRank[l] > levelRank[other]
}

// Cutpoints maps a finding magnitude to a level. A magnitude at or above
// High scores high, at or above Medium scores medium, at or above Low
// scores low.
type Cutpoints struct {
	Low    decimal.Decimal `json:"low"`
	Medium decimal.Decimal `json:"medium"`
	High   decimal.Decimal `json:"high"`
}

func (c Cutpoints) level(magnitude decimal.Decimal) Level {
	switch {
	case magnitude.GreaterThanOrEqual(c.High):
		return LevelHigh
	case magnitude.GreaterThanOrEqual(c.Medium):
		return LevelMedium
	case magnitude.GreaterThanOrEqual(c.Low):
		return LevelLow
	default:
		return LevelNone
	}
}

// Thresholds is a versioned cutpoint table. A finding kind with no entry
// contributes nothing to any entity's level.
type Thresholds struct {
	Version   string                    `json:"version"`
	Cutpoints map[detect.Kind]Cutpoints `json:"cutpoints"`
}

// Validate checks that every cutpoint set is non-negative and monotone.
func (t Thresholds) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidThresholds)
	}
	for kind, c := range t.Cutpoints {
		if c.Low.IsNegative() {
			return fmt.Errorf("%w: %s: negative low cutpoint", ErrInvalidThresholds, kind)
		}
		if c.Medium.LessThan(c.Low) {
			return fmt.Errorf("%w: %s: medium cutpoint below low", ErrInvalidThresholds, kind)
		}
		if c.High.LessThan(c.Medium) {
			return fmt.Errorf("%w: %s: high cutpoint below medium", ErrInvalidThresholds, kind)
		}
	}
	return nil
}

// DefaultThresholds returns a conservative starting table covering every
// finding kind.
func DefaultThresholds() Thresholds {
	std := Cutpoints{
		Low:    decimal.NewFromInt(1_000),
		Medium: decimal.NewFromInt(10_000),
		High:   decimal.NewFromInt(100_000),
	}
	return Thresholds{
		Version: "default-v1",
		Cutpoints: map[detect.Kind]Cutpoints{
			detect.KindCycle:      std,
			detect.KindFanIn:      std,
			detect.KindFanOut:     std,
			detect.KindRapidChain: std,
		},
	}
}

// Assessment is the scored exposure of one entity for one detection run.
type Assessment struct {
	EntityID          string   `json:"entityId"`
	Level             Level    `json:"level"`
	FindingKeys       []string `json:"findingKeys"`
	ThresholdsVersion string   `json:"thresholdsVersion"`
	SnapshotVersion   uint64   `json:"snapshotVersion"`
}

// Score grades every entity named by the findings. An entity's level is the
// maximum level across its findings; FindingKeys lists every finding that
// named the entity, sorted, including those that scored LevelNone. Scoring is
// pure: the same findings and thresholds always produce the same assessments.
func Score(findings []detect.Finding, thresholds Thresholds) (map[string]Assessment, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	assessments := make(map[string]Assessment)
	for _, f := range findings {
		level := LevelNone
		if cut, ok := thresholds.Cutpoints[f.Kind]; ok {
			level = cut.level(f.Magnitude)
		}
		for _, id := range f.Entities {
			a, ok := assessments[id]
			if !ok {
				a = Assessment{
					EntityID:          id,
					Level:             LevelNone,
					ThresholdsVersion: thresholds.Version,
					SnapshotVersion:   f.SnapshotVersion,
				}
			}
			if level.Exceeds(a.Level) {
				a.Level = level
			}
			a.FindingKeys = append(a.FindingKeys, f.Key)
			assessments[id] = a
		}
	}

	for id, a := range assessments {
		sort.Strings(a.FindingKeys)
		a.FindingKeys = dedupeSorted(a.FindingKeys)
		assessments[id] = a
	}
	return assessments, nil
}

func dedupeSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || keys[i-1] != k {
			out = append(out, k)
		}
	}
	return out
}
