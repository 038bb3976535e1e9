package risk

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/detect"
)

func cyclePoints(low, medium, high int64) Cutpoints {
	return Cutpoints{
		Low:    decimal.NewFromInt(low),
		Medium: decimal.NewFromInt(medium),
		High:   decimal.NewFromInt(high),
	}
}

func TestScore_CycleGradesAllParticipants(t *testing.T) {
	findings := []detect.Finding{{
		Key:             "cycle:a>b>c",
		Kind:            detect.KindCycle,
		Entities:        []string{"a", "b", "c"},
		Magnitude:       decimal.NewFromInt(100),
		SnapshotVersion: 7,
	}}
	thresholds := Thresholds{
		Version:   "t1",
		Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(0, 80, 150)},
	}

	assessments, err := Score(findings, thresholds)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(assessments) != 3 {
		t.Fatalf("assessments = %d, want 3", len(assessments))
	}
	for _, id := range []string{"a", "b", "c"} {
		a, ok := assessments[id]
		if !ok {
			t.Fatalf("no assessment for %s", id)
		}
		if a.Level != LevelMedium {
			t.Errorf("%s level = %s, want medium", id, a.Level)
		}
		if !reflect.DeepEqual(a.FindingKeys, []string{"cycle:a>b>c"}) {
			t.Errorf("%s finding keys = %v", id, a.FindingKeys)
		}
		if a.ThresholdsVersion != "t1" || a.SnapshotVersion != 7 {
			t.Errorf("%s versions = %q/%d", id, a.ThresholdsVersion, a.SnapshotVersion)
		}
	}
}

func TestScore_MaxLevelWins(t *testing.T) {
	findings := []detect.Finding{
		{
			Key:       "cycle:a>b",
			Kind:      detect.KindCycle,
			Entities:  []string{"a", "b"},
			Magnitude: decimal.NewFromInt(50),
		},
		{
			Key:       "fan_in:a>s1>s2",
			Kind:      detect.KindFanIn,
			Entities:  []string{"a", "s1", "s2"},
			Magnitude: decimal.NewFromInt(500),
		},
	}
	thresholds := Thresholds{
		Version: "t1",
		Cutpoints: map[detect.Kind]Cutpoints{
			detect.KindCycle: cyclePoints(10, 100, 1000),
			detect.KindFanIn: cyclePoints(10, 100, 1000),
		},
	}

	assessments, err := Score(findings, thresholds)
	if err != nil {
		t.Fatal(err)
	}
	if got := assessments["a"].Level; got != LevelMedium {
		t.Errorf("a level = %s, want medium from fan-in", got)
	}
	if got := assessments["b"].Level; got != LevelLow {
		t.Errorf("b level = %s, want low", got)
	}
	if keys := assessments["a"].FindingKeys; !reflect.DeepEqual(keys, []string{"cycle:a>b", "fan_in:a>s1>s2"}) {
		t.Errorf("a finding keys = %v", keys)
	}
}

func TestScore_UnconfiguredKindScoresNone(t *testing.T) {
	findings := []detect.Finding{{
		Key:       "rapid_chain:m",
		Kind:      detect.KindRapidChain,
		Entities:  []string{"m"},
		Magnitude: decimal.NewFromInt(1_000_000),
	}}
	thresholds := Thresholds{
		Version:   "t1",
		Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(1, 2, 3)},
	}

	assessments, err := Score(findings, thresholds)
	if err != nil {
		t.Fatal(err)
	}
	a := assessments["m"]
	if a.Level != LevelNone {
		t.Errorf("level = %s, want none", a.Level)
	}
	// The finding is still attributed, only its grading is absent.
	if !reflect.DeepEqual(a.FindingKeys, []string{"rapid_chain:m"}) {
		t.Errorf("finding keys = %v", a.FindingKeys)
	}
}

func TestScore_Boundaries(t *testing.T) {
	thresholds := Thresholds{
		Version:   "t1",
		Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(10, 100, 1000)},
	}

	tests := []struct {
		magnitude int64
		want      Level
	}{
		{5, LevelNone},
		{10, LevelLow},
		{99, LevelLow},
		{100, LevelMedium},
		{1000, LevelHigh},
		{5000, LevelHigh},
	}
	for _, tt := range tests {
		findings := []detect.Finding{{
			Key:       "cycle:x>y",
			Kind:      detect.KindCycle,
			Entities:  []string{"x"},
			Magnitude: decimal.NewFromInt(tt.magnitude),
		}}
		assessments, err := Score(findings, thresholds)
		if err != nil {
			t.Fatal(err)
		}
		if got := assessments["x"].Level; got != tt.want {
			t.Errorf("magnitude %d: level = %s, want %s", tt.magnitude, got, tt.want)
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	findings := []detect.Finding{
		{Key: "cycle:a>b", Kind: detect.KindCycle, Entities: []string{"a", "b"}, Magnitude: decimal.NewFromInt(200)},
		{Key: "fan_out:b>c>d", Kind: detect.KindFanOut, Entities: []string{"b", "c", "d"}, Magnitude: decimal.NewFromInt(50)},
	}
	thresholds := DefaultThresholds()

	first, err := Score(findings, thresholds)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Score(findings, thresholds)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated scoring over the same inputs differs")
	}
}

func TestScore_EmptyFindings(t *testing.T) {
	assessments, err := Score(nil, DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	if len(assessments) != 0 {
		t.Errorf("assessments = %v, want none", assessments)
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name       string
		thresholds Thresholds
		wantErr    bool
	}{
		{
			name:       "valid",
			thresholds: DefaultThresholds(),
		},
		{
			name:       "missing version",
			thresholds: Thresholds{Cutpoints: map[detect.Kind]Cutpoints{}},
			wantErr:    true,
		},
		{
			name: "negative low",
			thresholds: Thresholds{
				Version:   "t1",
				Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(-1, 0, 0)},
			},
			wantErr: true,
		},
		{
			name: "medium below low",
			thresholds: Thresholds{
				Version:   "t1",
				Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(100, 50, 200)},
			},
			wantErr: true,
		},
		{
			name: "high below medium",
			thresholds: Thresholds{
				Version:   "t1",
				Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(10, 100, 50)},
			},
			wantErr: true,
		},
		{
			name: "equal cutpoints allowed",
			thresholds: Thresholds{
				Version:   "t1",
				Cutpoints: map[detect.Kind]Cutpoints{detect.KindCycle: cyclePoints(100, 100, 100)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.thresholds.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidThresholds) {
					t.Errorf("err = %v, want ErrInvalidThresholds", err)
				}
				if _, serr := Score(nil, tt.thresholds); !errors.Is(serr, ErrInvalidThresholds) {
					t.Errorf("Score accepted invalid thresholds: %v", serr)
				}
			} else if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}
