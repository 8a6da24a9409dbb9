package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ficreative/seo-batch-engine/internal/generator"
	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/usage"
)

func testDepsWithBroker(t *testing.T, genURL, storeURL string) Deps {
	deps := testDeps(t, genURL, storeURL)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	deps.Broker = queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	deps.Config.TenantLockRetryDelay = 10 * time.Second
	return deps
}

func TestDispatchMissingJobIDIsSilentlyDropped(t *testing.T) {
	deps := testDepsWithBroker(t, "http://unused.invalid", "http://unused.invalid")
	d := NewDispatcher(deps)
	require.NoError(t, d.Dispatch(context.Background(), queue.Message{JobID: "", Kind: queue.KindGenerate}))
}

func TestDispatchUnknownJobIsSilentlyDropped(t *testing.T) {
	deps := testDepsWithBroker(t, "http://unused.invalid", "http://unused.invalid")
	d := NewDispatcher(deps)
	require.NoError(t, d.Dispatch(context.Background(), queue.Message{JobID: "nonexistent", Kind: queue.KindGenerate}))
}

func TestDispatchReDeliversWhenTenantLockBusy(t *testing.T) {
	deps := testDepsWithBroker(t, "http://unused.invalid", "http://unused.invalid")
	job := createJobWithProducts(t, deps, "T1", []string{"P1"})

	held, err := deps.Lock.Acquire(context.Background(), "T1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, deps.Broker.Enqueue(context.Background(), job.ID, queue.KindGenerate, time.Now()))
	_, err = deps.Broker.Dequeue(context.Background())
	require.NoError(t, err)

	d := NewDispatcher(deps)
	require.NoError(t, d.Dispatch(context.Background(), queue.Message{JobID: job.ID, Kind: queue.KindGenerate}))

	// The message should be rescheduled rather than acked or lost.
	gen, _, err := deps.Broker.ReadyDepth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), gen, "still scheduled for delayed delivery, not ready yet")
}

func TestDispatchFreePlanLimitExceededFailsJobAndItems(t *testing.T) {
	deps := testDepsWithBroker(t, "http://unused.invalid", "http://unused.invalid")
	deps.Config.FreeMonthlyLimit = 10
	monthKey := usage.MonthKey(time.Now(), time.UTC)

	_, err := deps.Store.ReserveUsage(context.Background(), "T2", monthKey, 8, 10)
	require.NoError(t, err)

	job := createJobWithProducts(t, deps, "T2", []string{"I1", "I2", "I3", "I4", "I5"})

	d := NewDispatcher(deps)
	require.NoError(t, d.Dispatch(context.Background(), queue.Message{JobID: job.ID, Kind: queue.KindGenerate}))

	final, err := deps.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, final.Status)

	items, err := deps.Store.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, it := range items {
		require.Equal(t, models.ItemStatusFailed, it.Status)
	}

	used, err := deps.Store.ReserveUsage(context.Background(), "T2", monthKey, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 8, used.Used, "usage counter must be unchanged on rejection")
}

func TestDispatchHappyPathRunsGeneratePhase(t *testing.T) {
	gen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generator.Fields{SeoTitle: "A", SeoDescription: "B"})
	}))
	defer gen.Close()
	storeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{"id": "P1", "seo": map[string]any{}, "media": map[string]any{"nodes": []any{}}}},
		})
	}))
	defer storeSrv.Close()

	deps := testDepsWithBroker(t, gen.URL, storeSrv.URL)
	job := createJobWithProducts(t, deps, "T1", []string{"P1"})

	d := NewDispatcher(deps)
	require.NoError(t, d.Dispatch(context.Background(), queue.Message{JobID: job.ID, Kind: queue.KindGenerate}))

	final, err := deps.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, final.Status)
	require.Equal(t, models.PhaseGenerated, final.Phase)
	require.True(t, final.UsageReserved)
}
