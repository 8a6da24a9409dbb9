package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

type publishSelectRequest struct {
	ItemIDs          []string `json:"itemIds"`
	ApplyOnlyChanged *bool    `json:"applyOnlyChanged,omitempty"`
}

// handlePublishSelect implements the producer-side selection step that
// precedes the publish phase: it marks the chosen items Queued, everything
// else Skipped, optionally prunes items whose draft matches the live
// StoreAPI state, and enqueues the publish message.
func (s *Server) handlePublishSelect(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var req publishSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	applyOnlyChanged := job.ApplyOnlyChanged
	if req.ApplyOnlyChanged != nil {
		applyOnlyChanged = *req.ApplyOnlyChanged
	}

	allItems, err := s.store.ListItems(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	itemsByID := make(map[string]models.Item, len(allItems))
	for _, it := range allItems {
		itemsByID[it.ID] = it
	}

	selected := make([]string, 0, len(req.ItemIDs))
	skippedUnchanged := 0
	for _, id := range req.ItemIDs {
		item, ok := itemsByID[id]
		if !ok || item.JobID != jobID {
			continue
		}
		if applyOnlyChanged && s.isUnchanged(r.Context(), item) {
			skippedUnchanged++
			continue
		}
		selected = append(selected, id)
	}

	if err := s.store.SelectItemsForPublish(r.Context(), jobID, selected); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(selected) > 0 {
		if err := s.broker.Enqueue(r.Context(), jobID, queue.KindPublish, time.Now()); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.JobsEnqueued.WithLabelValues(string(queue.KindPublish)).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]int{"selected": len(selected), "skippedUnchanged": skippedUnchanged})
}

// isUnchanged does a live StoreAPI read and compares it to the item's
// draft; errors are treated as "changed" so a transient read failure
// never silently drops an item the caller explicitly selected.
func (s *Server) isUnchanged(ctx context.Context, item models.Item) bool {
	switch item.TargetType {
	case models.TargetProduct:
		live, err := s.storeAPI.FetchProduct(ctx, item.TargetID, storeapi.Callbacks{})
		if err != nil {
			return false
		}
		return live.SeoTitle == item.SeoTitle && live.SeoDescription == item.SeoDescription
	case models.TargetArticle:
		live, err := s.storeAPI.FetchArticle(ctx, item.TargetID, storeapi.Callbacks{})
		if err != nil {
			return false
		}
		return live.MetaTitle == item.SeoTitle && live.MetaDescription == item.SeoDescription
	case models.TargetImage:
		if item.ParentID == nil {
			return false
		}
		media, err := s.storeAPI.FetchImages(ctx, *item.ParentID, storeapi.Callbacks{})
		if err != nil {
			return false
		}
		for _, m := range media {
			if m.ID == item.MediaID {
				return m.Alt == item.SeoTitle
			}
		}
		return false
	default:
		return false
	}
}
