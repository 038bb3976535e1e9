package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/risk"
)

// PostgresStore persists detection publications in PostgreSQL. Runs are
// append-only; Latest resolves the winner by snapshot version.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed publication store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the detection tables and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS detection_runs (
			run_id             VARCHAR(64) PRIMARY KEY,
			snapshot_version   BIGINT NOT NULL,
			thresholds_version VARCHAR(64) NOT NULL,
			completed_at       TIMESTAMPTZ NOT NULL,
			created_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS findings (
			run_id           VARCHAR(64) NOT NULL REFERENCES detection_runs(run_id) ON DELETE CASCADE,
			finding_key      VARCHAR(512) NOT NULL,
			kind             VARCHAR(20) NOT NULL CHECK (kind IN ('cycle','fan_in','fan_out','rapid_chain')),
			entities         JSONB NOT NULL,
			edges            JSONB NOT NULL,
			magnitude        NUMERIC(30,10) NOT NULL,
			snapshot_version BIGINT NOT NULL,
			detected_at      TIMESTAMPTZ NOT NULL,
			ordinal          INT NOT NULL,
			PRIMARY KEY (run_id, finding_key)
		);
		CREATE TABLE IF NOT EXISTS risk_assessments (
			run_id             VARCHAR(64) NOT NULL REFERENCES detection_runs(run_id) ON DELETE CASCADE,
			entity_id          VARCHAR(255) NOT NULL,
			level              VARCHAR(10) NOT NULL CHECK (level IN ('none','low','medium','high')),
			finding_keys       JSONB NOT NULL,
			thresholds_version VARCHAR(64) NOT NULL,
			snapshot_version   BIGINT NOT NULL,
			PRIMARY KEY (run_id, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_detection_runs_version ON detection_runs (snapshot_version DESC, completed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_findings_kind ON findings (run_id, kind);
		CREATE INDEX IF NOT EXISTS idx_risk_assessments_entity ON risk_assessments (entity_id);
	`)
	return err
}

func (p *PostgresStore) Publish(ctx context.Context, pub *Publication) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO detection_runs (run_id, snapshot_version, thresholds_version, completed_at)
		VALUES ($1, $2, $3, $4)`,
		pub.RunID, int64(pub.SnapshotVersion), pub.ThresholdsVersion, pub.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, f := range pub.Findings {
		entities, err := json.Marshal(f.Entities)
		if err != nil {
			return err
		}
		edges, err := json.Marshal(f.Edges)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO findings (run_id, finding_key, kind, entities, edges, magnitude, snapshot_version, detected_at, ordinal)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(30,10), $7, $8, $9)`,
			pub.RunID, f.Key, string(f.Kind), entities, edges, f.Magnitude, int64(f.SnapshotVersion), f.DetectedAt, i,
		)
		if err != nil {
			return fmt.Errorf("insert finding %s: %w", f.Key, err)
		}
	}

	for _, a := range pub.Assessments {
		keys, err := json.Marshal(a.FindingKeys)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO risk_assessments (run_id, entity_id, level, finding_keys, thresholds_version, snapshot_version)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			pub.RunID, a.EntityID, string(a.Level), keys, a.ThresholdsVersion, int64(a.SnapshotVersion),
		)
		if err != nil {
			return fmt.Errorf("insert assessment %s: %w", a.EntityID, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Latest(ctx context.Context) (*Publication, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT run_id, snapshot_version, thresholds_version, completed_at
		FROM detection_runs
		ORDER BY snapshot_version DESC, completed_at DESC
		LIMIT 1`)

	pub := &Publication{}
	var snapshotVersion int64
	err := row.Scan(&pub.RunID, &snapshotVersion, &pub.ThresholdsVersion, &pub.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoPublication
	}
	if err != nil {
		return nil, err
	}
	pub.SnapshotVersion = uint64(snapshotVersion)

	if pub.Findings, err = p.loadFindings(ctx, pub.RunID); err != nil {
		return nil, err
	}
	if pub.Assessments, err = p.loadAssessments(ctx, pub.RunID); err != nil {
		return nil, err
	}
	return pub, nil
}

func (p *PostgresStore) loadFindings(ctx context.Context, runID string) ([]detect.Finding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT finding_key, kind, entities, edges, magnitude, snapshot_version, detected_at
		FROM findings
		WHERE run_id = $1
		ORDER BY ordinal`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []detect.Finding
	for rows.Next() {
		var (
			f               detect.Finding
			kind            string
			entities, edges []byte
			snapshotVersion int64
		)
		if err := rows.Scan(&f.Key, &kind, &entities, &edges, &f.Magnitude, &snapshotVersion, &f.DetectedAt); err != nil {
			return nil, err
		}
		f.Kind = detect.Kind(kind)
		f.SnapshotVersion = uint64(snapshotVersion)
		if err := json.Unmarshal(entities, &f.Entities); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(edges, &f.Edges); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (p *PostgresStore) loadAssessments(ctx context.Context, runID string) (map[string]risk.Assessment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, level, finding_keys, thresholds_version, snapshot_version
		FROM risk_assessments
		WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]risk.Assessment)
	for rows.Next() {
		var (
			a               risk.Assessment
			level           string
			keys            []byte
			snapshotVersion int64
		)
		if err := rows.Scan(&a.EntityID, &level, &keys, &a.ThresholdsVersion, &snapshotVersion); err != nil {
			return nil, err
		}
		a.Level = risk.Level(level)
		a.SnapshotVersion = uint64(snapshotVersion)
		if err := json.Unmarshal(keys, &a.FindingKeys); err != nil {
			return nil, err
		}
		result[a.EntityID] = a
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
