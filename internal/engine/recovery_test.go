package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/store"
)

func TestRunRecoveryTickFailsStuckJob(t *testing.T) {
	deps := testDeps(t, "http://unused.invalid", "http://unused.invalid")
	deps.Config.StuckAfter = 10 * time.Minute

	job := createJobWithProducts(t, deps, "T1", []string{"P1"})
	_, err := deps.Store.AcquireLease(context.Background(), job.ID, "worker-1", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetPhase(context.Background(), job.ID, models.PhaseGenerating, models.StatusRunning, store.PhaseTimestamps{}))

	items, err := deps.Store.NextItems(context.Background(), job.ID, store.PhaseGenerate, 1)
	require.NoError(t, err)
	require.NoError(t, deps.Store.MarkItemRunning(context.Background(), items[0].ID, store.PhaseGenerate))

	time.Sleep(2 * time.Millisecond) // let the 1ms lease expire

	n, err := RunRecoveryTick(context.Background(), deps, time.Now().Add(11*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final, err := deps.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Nil(t, final.LockOwner)

	reloaded, err := deps.Store.GetItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.ItemStatusFailed, reloaded.Status)
}

func TestRunRecoveryTickIgnoresHealthyJobs(t *testing.T) {
	deps := testDeps(t, "http://unused.invalid", "http://unused.invalid")
	job := createJobWithProducts(t, deps, "T1", []string{"P1"})
	_, err := deps.Store.AcquireLease(context.Background(), job.ID, "worker-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, deps.Store.TouchLease(context.Background(), job.ID, "worker-1", time.Hour))
	started := time.Now().UTC()
	require.NoError(t, deps.Store.SetPhase(context.Background(), job.ID, models.PhaseGenerating, models.StatusRunning, store.PhaseTimestamps{StartedAt: &started}))

	n, err := RunRecoveryTick(context.Background(), deps, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
