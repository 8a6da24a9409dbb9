package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/clock"
	"github.com/ficreative/seo-batch-engine/internal/generator"
	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

// RunGenerate runs the generate phase against one job. The Dispatcher has
// already verified the job's lease and tenant lock are held by this worker.
func RunGenerate(ctx context.Context, deps Deps, jobID string) error {
	now := time.Now().UTC()
	if err := deps.Store.SetPhase(ctx, jobID, models.PhaseGenerating, models.StatusRunning, store.PhaseTimestamps{StartedAt: &now}); err != nil {
		return fmt.Errorf("set phase generating: %w", err)
	}

	for {
		if cancelled, err := deps.Store.IsCancelled(ctx, jobID); err != nil {
			return fmt.Errorf("check cancellation: %w", err)
		} else if cancelled {
			return nil
		}

		items, err := deps.Store.NextItems(ctx, jobID, store.PhaseGenerate, 1)
		if err != nil {
			return fmt.Errorf("next generate items: %w", err)
		}
		if len(items) == 0 {
			break
		}
		item := items[0]

		if err := deps.Store.TouchLease(ctx, jobID, deps.WorkerID, deps.Config.LeaseTTL); err != nil {
			return fmt.Errorf("touch lease: %w", err)
		}
		if err := deps.Lock.Refresh(ctx, mustTenant(ctx, deps, jobID), deps.WorkerID, deps.Config.TenantLockTTL); err != nil {
			return fmt.Errorf("refresh tenant lock: %w", err)
		}

		if err := deps.Store.MarkItemRunning(ctx, item.ID, store.PhaseGenerate); err != nil {
			return fmt.Errorf("mark item running: %w", err)
		}

		job, err := deps.Store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}

		if err := generateOneItem(ctx, deps, job, item); err != nil {
			return err
		}

		if err := clock.Sleep(ctx, deps.Config.GenerateItemPause); err != nil {
			return err
		}
	}

	if cancelled, err := deps.Store.IsCancelled(ctx, jobID); err != nil {
		return fmt.Errorf("final cancellation check: %w", err)
	} else if cancelled {
		return nil
	}

	finished := time.Now().UTC()
	return deps.Store.SetPhase(ctx, jobID, models.PhaseGenerated, models.StatusSuccess, store.PhaseTimestamps{FinishedAt: &finished})
}

func mustTenant(ctx context.Context, deps Deps, jobID string) string {
	job, err := deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return ""
	}
	return job.Tenant
}

func generateOneItem(ctx context.Context, deps Deps, job models.Job, item models.Item) error {
	payload, err := loadGeneratePayload(ctx, deps, job, item)
	if err != nil {
		return failGenerateItem(ctx, deps, job.ID, item, 0, 0, err.Error())
	}

	hints := generator.Hints{Payload: payload}
	if job.GenerationHints != nil {
		applyHintOverrides(&hints, job.GenerationHints)
	}

	attempts := 0
	var lastWaitMs int64
	cb := generator.Callbacks{
		OnAttempt: func(n int) { attempts = n },
		OnRetry: func(waitMs int64, reason string) {
			lastWaitMs += waitMs
			_ = deps.Store.SetJobLastError(ctx, job.ID, fmt.Sprintf("Retrying generator: %s, waiting %dms", reason, waitMs))
		},
	}

	fields, err := deps.Generator.Generate(ctx, job.JobType, job.Language, hints, cb)
	if err != nil {
		return failGenerateItem(ctx, deps, job.ID, item, attempts, int(lastWaitMs), err.Error())
	}

	successFields := store.ItemSuccessFields{}
	if job.JobType == models.JobTypeImageAlt {
		// Only seoTitle (the draft alt) is written here; seoDescription holds
		// the current-live-alt baseline and is only advanced by Publish's
		// CopyDraftToBaseline, never by Generate.
		altText := fields.AltText
		successFields.SeoTitle = &altText
	} else {
		seoTitle, seoDescription := fields.SeoTitle, fields.SeoDescription
		successFields.SeoTitle = &seoTitle
		successFields.SeoDescription = &seoDescription
	}

	if err := deps.Store.MarkItemSuccess(ctx, item.ID, store.PhaseGenerate, successFields); err != nil {
		return fmt.Errorf("mark item success: %w", err)
	}
	telemetry.ItemsGenerated.WithLabelValues("success").Inc()
	return deps.Store.IncrementCounters(ctx, job.ID, store.CounterDeltas{OkCount: 1, TotalAttempts: attempts, TotalRetryWaitMs: int(lastWaitMs)})
}

func failGenerateItem(ctx context.Context, deps Deps, jobID string, item models.Item, attempts, waitMs int, message string) error {
	if err := deps.Store.MarkItemFailed(ctx, item.ID, store.PhaseGenerate, message, attempts, waitMs); err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	if err := deps.Store.SetJobLastError(ctx, jobID, message); err != nil {
		return fmt.Errorf("set job last error: %w", err)
	}
	telemetry.ItemsGenerated.WithLabelValues("failed").Inc()
	return deps.Store.IncrementCounters(ctx, jobID, store.CounterDeltas{FailedCount: 1, TotalAttempts: attempts, TotalRetryWaitMs: waitMs})
}

// loadGeneratePayload fetches the target the item refers to so it can be
// embedded in the Generator prompt payload.
func loadGeneratePayload(ctx context.Context, deps Deps, job models.Job, item models.Item) (map[string]any, error) {
	switch item.TargetType {
	case models.TargetProduct:
		p, err := deps.StoreAPI.FetchProduct(ctx, item.TargetID, storeAPICallbacks(deps))
		if err != nil {
			return nil, fmt.Errorf("fetch product: %w", err)
		}
		return map[string]any{"title": p.Title, "descriptionHtml": p.DescriptionHTML}, nil
	case models.TargetArticle:
		a, err := deps.StoreAPI.FetchArticle(ctx, item.TargetID, storeAPICallbacks(deps))
		if err != nil {
			return nil, fmt.Errorf("fetch article: %w", err)
		}
		return map[string]any{"title": a.Title, "body": a.Body}, nil
	case models.TargetImage:
		if item.ParentID == nil {
			return nil, fmt.Errorf("%w: image item missing parent product id", ErrInvariantViolation)
		}
		media, err := deps.StoreAPI.FetchImages(ctx, *item.ParentID, storeAPICallbacks(deps))
		if err != nil {
			return nil, fmt.Errorf("fetch images: %w", err)
		}
		for _, m := range media {
			if m.ID == item.MediaID {
				return map[string]any{"title": item.Title, "currentAlt": m.Alt, "imageUrl": m.URL}, nil
			}
		}
		return map[string]any{"title": item.Title}, nil
	default:
		return nil, fmt.Errorf("%w: unknown target type %q", ErrInvariantViolation, item.TargetType)
	}
}

func applyHintOverrides(h *generator.Hints, raw map[string]any) {
	if v, ok := raw["brandName"].(string); ok {
		h.BrandName = v
	}
	if v, ok := raw["tone"].(string); ok {
		h.Tone = v
	}
	if v, ok := raw["brandVoice"].(string); ok {
		h.BrandVoice = v
	}
	if v, ok := raw["targetKeyword"].(string); ok {
		h.TargetKeyword = v
	}
	if v, ok := raw["capitalization"].(string); ok {
		h.Capitalization = v
	}
	if v, ok := raw["emojiPolicy"].(string); ok {
		h.EmojiPolicy = v
	}
	if v, ok := raw["requiredKeywords"].([]string); ok {
		h.RequiredKeywords = v
	}
	if v, ok := raw["bannedWords"].([]string); ok {
		h.BannedWords = v
	}
}
