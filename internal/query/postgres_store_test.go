//go:build integration

package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowtrace/flowtrace/internal/testutil"
)

func TestPostgres_PublishAndLatest(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	_, err := store.Latest(ctx)
	require.ErrorIs(t, err, ErrNoPublication)

	want := testPublication("run-1", 10)
	require.NoError(t, store.Publish(ctx, want))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, want.RunID, got.RunID)
	require.Equal(t, want.SnapshotVersion, got.SnapshotVersion)
	require.Equal(t, want.ThresholdsVersion, got.ThresholdsVersion)
	require.Len(t, got.Findings, 2)
	require.Equal(t, "cycle:a>b", got.Findings[0].Key)
	require.True(t, got.Findings[0].Magnitude.Equal(want.Findings[0].Magnitude))
	require.Equal(t, want.Findings[0].Entities, got.Findings[0].Entities)
	require.Len(t, got.Assessments, 1)
	require.Equal(t, want.Assessments["a"].Level, got.Assessments["a"].Level)
}

func TestPostgres_LatestPicksHighestVersion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.Publish(ctx, testPublication("run-2", 20)))
	// A run over an older snapshot publishes late; it is stored but never
	// served as latest.
	require.NoError(t, store.Publish(ctx, testPublication("run-1", 10)))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-2", got.RunID)
}
