// Package api implements the chi HTTP surface a tenant's storefront admin
// uses to create batch jobs, inspect progress, edit drafts, and trigger
// publish selection.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ficreative/seo-batch-engine/internal/config"
	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/ratelimit"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	store    store.JobStore
	broker   *queue.Broker
	storeAPI *storeapi.Client
	limiter  *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st store.JobStore, broker *queue.Broker, storeAPI *storeapi.Client, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, broker: broker, storeAPI: storeAPI, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(contentTypeJSON)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Post("/jobs/{id}/items/retry", s.handleRetryItems)
	r.Patch("/jobs/{id}/items/{itemId}", s.handlePatchItem)
	r.Post("/jobs/{id}/publish", s.handlePublishSelect)
	return r
}

type createItemRequest struct {
	TargetType string  `json:"targetType"`
	TargetID   string  `json:"targetId"`
	ParentID   *string `json:"parentId,omitempty"`
	Title      string  `json:"title,omitempty"`
	MediaID    string  `json:"mediaId,omitempty"`
	ImageURL   string  `json:"imageUrl,omitempty"`
}

type createJobRequest struct {
	JobType          string             `json:"jobType"`
	Plan             string             `json:"plan,omitempty"`
	Language         string             `json:"language"`
	MetaTitle        bool               `json:"metaTitle"`
	MetaDescription  bool               `json:"metaDescription"`
	GenerationHints  map[string]any     `json:"generationHints,omitempty"`
	ApplyOnlyChanged bool               `json:"applyOnlyChanged"`
	Items            []createItemRequest `json:"items"`
}

type createJobResponse struct {
	Job   models.Job    `json:"job"`
	Items []models.Item `json:"items"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "jobType is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "at least one item is required", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "jobcreate:"+tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	items := make([]store.ItemSpec, 0, len(req.Items))
	for _, it := range req.Items {
		if it.TargetType == "" || it.TargetID == "" {
			http.Error(w, "each item requires targetType and targetId", http.StatusBadRequest)
			return
		}
		items = append(items, store.ItemSpec{
			TargetType: it.TargetType, TargetID: it.TargetID, ParentID: it.ParentID,
			Title: it.Title, MediaID: it.MediaID, ImageURL: it.ImageURL,
		})
	}

	job, createdItems, err := s.store.CreateJob(r.Context(), store.JobSpec{
		Tenant: tenant, JobType: req.JobType, Plan: req.Plan, Language: req.Language,
		MetaTitle: req.MetaTitle, MetaDescription: req.MetaDescription,
		GenerationHints: req.GenerationHints, ApplyOnlyChanged: req.ApplyOnlyChanged,
	}, items)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.broker.Enqueue(r.Context(), job.ID, queue.KindGenerate, time.Now()); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(string(queue.KindGenerate)).Inc()

	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job, Items: createdItems})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, createJobResponse{Job: job, Items: items})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	q := r.URL.Query()
	filters := store.ListFilters{
		Status:  q.Get("status"),
		Phase:   q.Get("phase"),
		JobType: q.Get("jobType"),
		IDLike:  q.Get("id"),
		Cursor:  q.Get("cursor"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filters.Limit = limit
	}
	result, err := s.store.ListJobs(r.Context(), tenant, filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.store.CancelJob(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	// Best-effort: a message already in flight with a worker is unaffected;
	// the Dispatcher's own IsCancelled check is the authoritative stop.
	_ = s.broker.Remove(r.Context(), id, queue.KindGenerate)
	_ = s.broker.Remove(r.Context(), id, queue.KindPublish)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type retryItemsRequest struct {
	Phase string `json:"phase"`
}

func (s *Server) handleRetryItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req retryItemsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	phase := store.Phase(req.Phase)
	if phase != store.PhaseGenerate && phase != store.PhasePublish {
		phase = store.PhaseGenerate
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	n, err := s.store.RetryFailedItems(r.Context(), id, phase)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if n > 0 {
		kind := queue.KindGenerate
		if phase == store.PhasePublish {
			kind = queue.KindPublish
		}
		if err := s.broker.Enqueue(r.Context(), job.ID, kind, time.Now()); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.JobsEnqueued.WithLabelValues(string(kind)).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

type patchItemRequest struct {
	SeoTitle       *string `json:"seoTitle,omitempty"`
	SeoDescription *string `json:"seoDescription,omitempty"`
}

func (s *Server) handlePatchItem(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemId")

	item, err := s.store.GetItem(r.Context(), itemID)
	if err != nil || item.JobID != jobID {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}

	var req patchItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	title, desc := item.SeoTitle, item.SeoDescription
	if req.SeoTitle != nil {
		title = *req.SeoTitle
	}
	if req.SeoDescription != nil {
		desc = *req.SeoDescription
	}
	if err := s.store.UpdateItemDraft(r.Context(), itemID, title, desc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	item, err = s.store.GetItem(r.Context(), itemID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
