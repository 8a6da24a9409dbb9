package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/store"
)

func createPublishReadyJob(t *testing.T, deps Deps, tenant string, targetIDs []string) models.Job {
	specItems := make([]store.ItemSpec, 0, len(targetIDs))
	for _, id := range targetIDs {
		specItems = append(specItems, store.ItemSpec{TargetType: models.TargetProduct, TargetID: id})
	}
	job, items, err := deps.Store.CreateJob(context.Background(), store.JobSpec{
		Tenant: tenant, JobType: models.JobTypeProductSeo, MetaTitle: true, MetaDescription: true,
	}, specItems)
	require.NoError(t, err)

	for _, it := range items {
		require.NoError(t, deps.Store.UpdateItemDraft(context.Background(), it.ID, "Draft title", "Draft description"))
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	require.NoError(t, deps.Store.SelectItemsForPublish(context.Background(), job.ID, ids))
	return job
}

func TestRunPublishPermanentFailureStillCompletesJob(t *testing.T) {
	calls := 0
	storeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		buf, _ := io.ReadAll(r.Body)
		json.Unmarshal(buf, &body)
		query, _ := body["query"].(string)
		if contains(query, "product(") {
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"product": map[string]any{
					"id": "P1", "seo": map[string]any{}, "media": map[string]any{"nodes": []any{}},
				}},
			})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer storeSrv.Close()

	deps := testDeps(t, "http://unused.invalid", storeSrv.URL)
	job := createPublishReadyJob(t, deps, "T1", []string{"P1", "P2"})
	holdTenantLockAndLease(t, deps, "T1", job.ID)

	require.NoError(t, RunPublish(context.Background(), deps, job.ID))

	final, err := deps.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, final.Status)
	require.Equal(t, models.PhasePublished, final.Phase)
	require.Equal(t, 2, final.PublishFailedCount)
	require.Equal(t, 0, final.PublishOkCount)
}

func TestRunPublishNoEligibleItemsCompletesImmediately(t *testing.T) {
	deps := testDeps(t, "http://unused.invalid", "http://unused.invalid")
	job, items, err := deps.Store.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
	})
	require.NoError(t, err)
	require.NoError(t, deps.Store.SelectItemsForPublish(context.Background(), job.ID, nil))
	_ = items

	require.NoError(t, RunPublish(context.Background(), deps, job.ID))

	final, err := deps.Store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, final.Status)
	require.Equal(t, models.PhasePublished, final.Phase)
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
