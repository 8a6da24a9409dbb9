package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/clock"
	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

// RunPublish runs the publish phase against one job. The producer of the
// publish message has already set publishStatus on every item (Queued for
// selected, Skipped for the rest).
func RunPublish(ctx context.Context, deps Deps, jobID string) error {
	now := time.Now().UTC()
	if err := deps.Store.SetPhase(ctx, jobID, models.PhasePublishing, models.StatusRunning, store.PhaseTimestamps{PublishStartedAt: &now}); err != nil {
		return fmt.Errorf("set phase publishing: %w", err)
	}

	first, err := deps.Store.NextItems(ctx, jobID, store.PhasePublish, 1)
	if err != nil {
		return fmt.Errorf("peek publish items: %w", err)
	}
	if len(first) == 0 {
		finished := time.Now().UTC()
		return deps.Store.SetPhase(ctx, jobID, models.PhasePublished, models.StatusSuccess, store.PhaseTimestamps{PublishFinishedAt: &finished})
	}

	for {
		if cancelled, err := deps.Store.IsCancelled(ctx, jobID); err != nil {
			return fmt.Errorf("check cancellation: %w", err)
		} else if cancelled {
			return nil
		}

		items, err := deps.Store.NextItems(ctx, jobID, store.PhasePublish, 1)
		if err != nil {
			return fmt.Errorf("next publish items: %w", err)
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

		if err := deps.Store.MarkItemRunning(ctx, item.ID, store.PhasePublish); err != nil {
			return fmt.Errorf("mark item running: %w", err)
		}

		job, err := deps.Store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}

		if err := publishOneItem(ctx, deps, job, item); err != nil {
			return err
		}

		if err := clock.Sleep(ctx, deps.Config.PublishItemPause); err != nil {
			return err
		}
	}

	if cancelled, err := deps.Store.IsCancelled(ctx, jobID); err != nil {
		return fmt.Errorf("final cancellation check: %w", err)
	} else if cancelled {
		return nil
	}

	finished := time.Now().UTC()
	return deps.Store.SetPhase(ctx, jobID, models.PhasePublished, models.StatusSuccess, store.PhaseTimestamps{PublishFinishedAt: &finished})
}

func publishOneItem(ctx context.Context, deps Deps, job models.Job, item models.Item) error {
	attempts := 0
	var lastWaitMs int64
	cb := storeapi.Callbacks{
		OnAttempt: func(n int) { attempts = n },
		OnRetry: func(waitMs int64, reason string) {
			lastWaitMs += waitMs
			_ = deps.Store.SetJobLastError(ctx, job.ID, fmt.Sprintf("Retrying StoreAPI: %s, waiting %dms", reason, waitMs))
		},
		OnThrottle: func(waitMs int64, status storeapi.ThrottleStatus) {
			telemetry.ThrottleWaitMs.Observe(float64(waitMs))
			_ = deps.Store.TouchLease(ctx, job.ID, deps.WorkerID, deps.Config.LeaseTTL)
		},
	}

	var writeErr error
	copyDraftToBaseline := false

	switch item.TargetType {
	case models.TargetProduct:
		writeErr = deps.StoreAPI.WriteProductSeo(ctx, item.TargetID, storeapi.SeoWriteRequest{
			WriteTitle: job.MetaTitle, Title: item.SeoTitle,
			WriteDescription: job.MetaDescription, Description: item.SeoDescription,
		}, cb)
	case models.TargetArticle:
		writeErr = deps.StoreAPI.WriteArticleSeo(ctx, item.TargetID, storeapi.SeoWriteRequest{
			WriteTitle: job.MetaTitle, Title: item.SeoTitle,
			WriteDescription: job.MetaDescription, Description: item.SeoDescription,
		}, cb)
	case models.TargetImage:
		if item.ParentID == nil {
			writeErr = fmt.Errorf("%w: image item missing parent product id", ErrInvariantViolation)
		} else {
			writeErr = deps.StoreAPI.WriteImageAlt(ctx, *item.ParentID, item.MediaID, item.SeoTitle)
			copyDraftToBaseline = writeErr == nil
		}
	default:
		writeErr = fmt.Errorf("%w: unknown target type %q", ErrInvariantViolation, item.TargetType)
	}

	if writeErr != nil {
		telemetry.ItemsPublished.WithLabelValues("failed").Inc()
		if err := deps.Store.MarkItemFailed(ctx, item.ID, store.PhasePublish, writeErr.Error(), attempts, int(lastWaitMs)); err != nil {
			return fmt.Errorf("mark item failed: %w", err)
		}
		if err := deps.Store.SetJobLastError(ctx, job.ID, writeErr.Error()); err != nil {
			return fmt.Errorf("set job last error: %w", err)
		}
		return deps.Store.IncrementCounters(ctx, job.ID, store.CounterDeltas{PublishFailedCount: 1, TotalAttempts: attempts, TotalRetryWaitMs: int(lastWaitMs)})
	}

	if err := deps.Store.MarkItemSuccess(ctx, item.ID, store.PhasePublish, store.ItemSuccessFields{CopyDraftToBaseline: copyDraftToBaseline}); err != nil {
		return fmt.Errorf("mark item success: %w", err)
	}
	telemetry.ItemsPublished.WithLabelValues("success").Inc()
	return deps.Store.IncrementCounters(ctx, job.ID, store.CounterDeltas{PublishOkCount: 1, TotalAttempts: attempts, TotalRetryWaitMs: int(lastWaitMs)})
}
