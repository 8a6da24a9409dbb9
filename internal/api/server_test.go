package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ficreative/seo-batch-engine/internal/config"
	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
)

func testServer(t *testing.T, storeURL string) (*Server, store.JobStore, *queue.Broker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	broker := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	st := store.NewMemory()
	sa := storeapi.New(storeapi.Config{URL: storeURL, MaxAttempts: 1, Timeout: time.Second}, nil)
	srv := New(config.Config{}, st, broker, sa, nil)
	return srv, st, broker
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, tenant string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobEnqueuesGenerateMessage(t *testing.T) {
	srv, _, broker := testServer(t, "http://unused.invalid")
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", createJobRequest{
		JobType: models.JobTypeProductSeo,
		Items:   []createItemRequest{{TargetType: models.TargetProduct, TargetID: "P1"}},
	}, "T1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "T1", resp.Job.Tenant)
	require.Len(t, resp.Items, 1)

	gen, _, err := broker.ReadyDepth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)
}

func TestCreateJobRejectsMissingItems(t *testing.T) {
	srv, _, _ := testServer(t, "http://unused.invalid")
	rec := doJSON(t, srv.Router(), http.MethodPost, "/jobs", createJobRequest{JobType: models.JobTypeProductSeo}, "T1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobReturnsRollupAndItems(t *testing.T) {
	srv, st, _ := testServer(t, "http://unused.invalid")
	job, _, err := st.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/jobs/"+job.ID, nil, "T1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, job.ID, resp.Job.ID)
	require.Len(t, resp.Items, 1)
}

func TestGetJobUnknownReturns404(t *testing.T) {
	srv, _, _ := testServer(t, "http://unused.invalid")
	rec := doJSON(t, srv.Router(), http.MethodGet, "/jobs/nonexistent", nil, "T1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobSetsStatusCancelled(t *testing.T) {
	srv, st, _ := testServer(t, "http://unused.invalid")
	job, _, err := st.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/jobs/"+job.ID+"/cancel", nil, "T1")
	require.Equal(t, http.StatusOK, rec.Code)

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, final.Status)
}

func TestRetryItemsRequeuesFailedItemsAndEnqueues(t *testing.T) {
	srv, st, broker := testServer(t, "http://unused.invalid")
	job, items, err := st.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
	})
	require.NoError(t, err)
	require.NoError(t, st.MarkItemFailed(context.Background(), items[0].ID, store.PhaseGenerate, "boom", 3, 100))

	rec := doJSON(t, srv.Router(), http.MethodPost, "/jobs/"+job.ID+"/items/retry", retryItemsRequest{Phase: "generate"}, "T1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp["retried"])

	gen, _, err := broker.ReadyDepth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)

	reloaded, err := st.GetItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.ItemStatusQueued, reloaded.Status)
}

func TestPatchItemUpdatesDraft(t *testing.T) {
	srv, st, _ := testServer(t, "http://unused.invalid")
	job, items, err := st.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
	})
	require.NoError(t, err)

	newTitle := "Edited Title"
	rec := doJSON(t, srv.Router(), http.MethodPatch, "/jobs/"+job.ID+"/items/"+items[0].ID, patchItemRequest{SeoTitle: &newTitle}, "T1")
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := st.GetItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Equal(t, "Edited Title", reloaded.SeoTitle)
}

func TestPublishSelectQueuesChosenItemsAndSkipsTheRest(t *testing.T) {
	srv, st, broker := testServer(t, "http://unused.invalid")
	job, items, err := st.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
		{TargetType: models.TargetProduct, TargetID: "P2"},
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/jobs/"+job.ID+"/publish", publishSelectRequest{ItemIDs: []string{items[0].ID}}, "T1")
	require.Equal(t, http.StatusOK, rec.Code)

	first, err := st.GetItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.PublishStatusQueued, first.PublishStatus)

	second, err := st.GetItem(context.Background(), items[1].ID)
	require.NoError(t, err)
	require.Equal(t, models.PublishStatusSkipped, second.PublishStatus)

	gen, pub, err := broker.ReadyDepth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), gen)
	require.Equal(t, int64(1), pub)
}

func TestPublishSelectPrunesUnchangedItemsWhenApplyOnlyChanged(t *testing.T) {
	storeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{
				"id":    "P1",
				"seo":   map[string]any{"title": "Same Title", "description": "Same Desc"},
				"media": map[string]any{"nodes": []any{}},
			}},
		})
	}))
	defer storeSrv.Close()

	srv, st, broker := testServer(t, storeSrv.URL)
	job, items, err := st.CreateJob(context.Background(), store.JobSpec{Tenant: "T1", JobType: models.JobTypeProductSeo}, []store.ItemSpec{
		{TargetType: models.TargetProduct, TargetID: "P1"},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateItemDraft(context.Background(), items[0].ID, "Same Title", "Same Desc"))

	applyOnlyChanged := true
	rec := doJSON(t, srv.Router(), http.MethodPost, "/jobs/"+job.ID+"/publish", publishSelectRequest{
		ItemIDs:          []string{items[0].ID},
		ApplyOnlyChanged: &applyOnlyChanged,
	}, "T1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp["selected"])
	require.Equal(t, 1, resp["skippedUnchanged"])

	reloaded, err := st.GetItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.PublishStatusSkipped, reloaded.PublishStatus)

	_, pub, err := broker.ReadyDepth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), pub)
}
