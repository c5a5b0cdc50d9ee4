package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pgstore "github.com/doojoo9999/liargame/internal/storage/postgres"
	"github.com/doojoo9999/liargame/internal/testutil"
)

func integrationRepo(t *testing.T) *pgstore.ConnectionLogRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return pgstore.NewConnectionLogRepository(pc.RawPool)
}

func TestConnectionLogInsertAndLatest(t *testing.T) {
	repo := integrationRepo(t)
	ctx := context.Background()

	entry, err := repo.Insert(ctx, 10, "conn-1", "CONNECT")
	require.NoError(t, err)
	assert.Positive(t, entry.ID)
	assert.Equal(t, "CONNECT", entry.Action)
	assert.False(t, entry.OccurredAt.IsZero())

	_, err = repo.Insert(ctx, 10, "conn-1", "DISCONNECT")
	require.NoError(t, err)

	latest, err := repo.Latest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "DISCONNECT", latest.Action)

	_, err = repo.Latest(ctx, 999)
	assert.ErrorIs(t, err, pgstore.ErrNoEvents)
}

func TestConnectionLogStability(t *testing.T) {
	repo := integrationRepo(t)
	ctx := context.Background()

	classification, count, err := repo.Stability(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, pgstore.StabilityStable, classification)
	assert.Zero(t, count)

	_, err = repo.Insert(ctx, 10, "conn-1", "DISCONNECT")
	require.NoError(t, err)

	classification, count, err = repo.Stability(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, pgstore.StabilityUnstable, classification)
	assert.Equal(t, 1, count)

	for i := 0; i < 2; i++ {
		_, err = repo.Insert(ctx, 10, "conn-1", "DISCONNECT")
		require.NoError(t, err)
	}

	classification, count, err = repo.Stability(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, pgstore.StabilityPoor, classification)
	assert.Equal(t, 3, count)

	// Other users and other actions do not affect the classification.
	_, err = repo.Insert(ctx, 20, "conn-2", "CONNECT")
	require.NoError(t, err)
	classification, _, err = repo.Stability(ctx, 20, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, pgstore.StabilityStable, classification)
}

func TestRecorderPersistsAsynchronously(t *testing.T) {
	repo := integrationRepo(t)
	recorder := pgstore.NewRecorder(repo, zaptest.NewLogger(t))

	recorder.Record(10, "conn-1", "CONNECT")

	require.Eventually(t, func() bool {
		_, err := repo.Latest(context.Background(), 10)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
