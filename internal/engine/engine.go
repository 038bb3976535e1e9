// Package engine orchestrates detection runs: snapshot, detect, score,
// publish. A run either publishes a complete result or publishes nothing.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/flowgraph"
	"github.com/flowtrace/flowtrace/internal/idgen"
	"github.com/flowtrace/flowtrace/internal/logging"
	"github.com/flowtrace/flowtrace/internal/metrics"
	"github.com/flowtrace/flowtrace/internal/query"
	"github.com/flowtrace/flowtrace/internal/risk"
	"github.com/flowtrace/flowtrace/internal/traces"
)

// Broadcaster pushes completed runs to live subscribers.
type Broadcaster interface {
	BroadcastDetectionCompleted(runID string, snapshotVersion uint64, findings []detect.Finding)
}

// Engine ties the flow graph, the detector, the scorer and the publication
// store together.
type Engine struct {
	graph    *flowgraph.Store
	detector *detect.Detector
	pubs     query.Store
	hub      Broadcaster
	logger   *slog.Logger
}

// New creates an engine. hub may be nil when realtime streaming is disabled.
func New(graph *flowgraph.Store, pubs query.Store, hub Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		graph:    graph,
		detector: detect.New(logger),
		pubs:     pubs,
		hub:      hub,
		logger:   logger,
	}
}

// RunDetection executes one detection run over the current graph state.
// Configuration errors abort before any work; errors after that abort before
// publishing, so readers never observe a partial run.
func (e *Engine) RunDetection(ctx context.Context, params detect.Params, thresholds risk.Thresholds) (*query.Publication, error) {
	started := time.Now()

	// Validate both configs up front: a run must not fail half way on
	// input that was never valid.
	if err := params.Validate(); err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("config_error").Inc()
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("config_error").Inc()
		return nil, err
	}

	runID := idgen.WithPrefix("run")
	ctx, span := traces.StartSpan(ctx, "engine.RunDetection", traces.RunID(runID))
	defer span.End()

	view, err := e.graph.Snapshot(ctx)
	if err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	span.SetAttributes(traces.SnapshotVersion(view.Version))

	findings, err := e.detector.Run(view, params)
	if err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	assessments, err := risk.Score(findings, thresholds)
	if err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	pub := &query.Publication{
		RunID:             runID,
		SnapshotVersion:   view.Version,
		ThresholdsVersion: thresholds.Version,
		CompletedAt:       time.Now().UTC(),
		Findings:          findings,
		Assessments:       assessments,
	}
	if err := e.pubs.Publish(ctx, pub); err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.DetectionRunsTotal.WithLabelValues("completed").Inc()
	metrics.DetectionDuration.Observe(time.Since(started).Seconds())
	for _, f := range findings {
		metrics.FindingsTotal.WithLabelValues(string(f.Kind)).Inc()
	}
	span.SetAttributes(traces.FindingCount(len(findings)))

	if e.hub != nil {
		e.hub.BroadcastDetectionCompleted(runID, view.Version, findings)
	}

	logging.L(ctx).Info("detection run published",
		"run_id", runID,
		"snapshot_version", view.Version,
		"thresholds_version", thresholds.Version,
		"findings", len(findings),
		"assessed_entities", len(assessments),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return pub, nil
}

// IsConfigError reports whether a RunDetection failure was caused by invalid
// parameters or thresholds rather than an execution fault.
func IsConfigError(err error) bool {
	return errors.Is(err, detect.ErrInvalidParams) || errors.Is(err, risk.ErrInvalidThresholds)
}
