package query

import (
	"context"
	"errors"
	"time"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/risk"
)

// ErrNoPublication indicates that no detection run has published yet.
var ErrNoPublication = errors.New("no publication available")

// Publication is the complete output of one detection run: the findings and
// the risk assessments derived from them, stamped with the snapshot and
// threshold versions that produced them. Publications are immutable once
// published.
type Publication struct {
	RunID             string                     `json:"runId"`
	SnapshotVersion   uint64                     `json:"snapshotVersion"`
	ThresholdsVersion string                     `json:"thresholdsVersion"`
	CompletedAt       time.Time                  `json:"completedAt"`
	Findings          []detect.Finding           `json:"findings"`
	Assessments       map[string]risk.Assessment `json:"assessments"`
}

// Store persists publications. Publish replaces the latest publication only
// when the incoming snapshot version is at least as new as the stored one, so
// a slow run can never clobber fresher results.
type Store interface {
	Publish(ctx context.Context, pub *Publication) error
	Latest(ctx context.Context) (*Publication, error)
}

// FindingFilter narrows ListFindings. Zero-valued fields match everything.
type FindingFilter struct {
	Kind     detect.Kind
	EntityID string
	Limit    int
}

func (f FindingFilter) matches(finding detect.Finding) bool {
	if f.Kind != "" && finding.Kind != f.Kind {
		return false
	}
	if f.EntityID != "" {
		found := false
		for _, id := range finding.Entities {
			if id == f.EntityID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
