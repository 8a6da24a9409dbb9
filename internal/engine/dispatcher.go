// Package engine implements the dispatcher and the generate, publish, and
// recovery phase runners: the orchestration core that turns a broker
// delivery into tenant-serial, leased, per-item work against JobStore,
// Generator, and StoreAPI.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/models"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
	"github.com/ficreative/seo-batch-engine/internal/usage"
)

// Dispatcher routes one broker delivery through tenant-lock acquisition,
// lease acquisition, usage reservation, and phase execution.
type Dispatcher struct {
	deps Deps
}

// NewDispatcher builds a Dispatcher over the given collaborators.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// Dispatch processes one delivered message end to end, always releasing
// whatever locks/leases it acquired before returning. It also owns
// acknowledging the broker delivery: every return path either acks it
// (handled — dropped, completed, or superseded) or leaves it in-flight so
// the broker's own visibility-timeout reclaim can redeliver it, except the
// tenant-lock-busy path, which has already moved the message to the
// scheduled set via DelayMessage and must not also be acked (that would
// delete the meta PromoteScheduled needs to resolve it later).
func (d *Dispatcher) Dispatch(ctx context.Context, msg queue.Message) error {
	if msg.JobID == "" {
		d.deps.Logger.Warnw("dropping delivery with missing jobId", "kind", msg.Kind)
		return nil
	}

	ack := true
	defer func() {
		if ack {
			_ = d.deps.Broker.Ack(ctx, msg.JobID, msg.Kind)
		}
	}()

	job, err := d.deps.Store.GetJob(ctx, msg.JobID)
	if err != nil {
		d.deps.Logger.Infow("job not found, treating as stale message", "jobId", msg.JobID)
		return nil
	}

	acquiredTenant, err := d.deps.Lock.Acquire(ctx, job.Tenant, d.deps.WorkerID, d.deps.Config.TenantLockTTL)
	if err != nil {
		ack = false
		return fmt.Errorf("acquire tenant lock: %w", err)
	}
	if !acquiredTenant {
		telemetry.LockBusy.Inc()
		delayUntil := time.Now().Add(d.deps.Config.TenantLockRetryDelay)
		if err := d.deps.Broker.DelayMessage(ctx, msg.JobID, msg.Kind, delayUntil); err != nil {
			ack = false
			return fmt.Errorf("%w: broker could not delay redelivery: %v", ErrLockBusy, err)
		}
		ack = false
		return nil
	}
	defer d.deps.Lock.Release(ctx, job.Tenant, d.deps.WorkerID)

	acquiredLease, err := d.deps.Store.AcquireLease(ctx, job.ID, d.deps.WorkerID, d.deps.Config.LeaseTTL)
	if err != nil {
		ack = false
		return fmt.Errorf("acquire job lease: %w", err)
	}
	if !acquiredLease {
		// Another worker already owns the job; this is a duplicate
		// delivery (e.g. a redundant redelivery after a near-miss
		// visibility timeout). Drop it — the owning worker's run covers it.
		return nil
	}
	defer d.deps.Store.ReleaseLease(ctx, job.ID, d.deps.WorkerID)

	telemetry.InFlightJobs.Inc()
	defer telemetry.InFlightJobs.Dec()

	cancelled, err := d.deps.Store.IsCancelled(ctx, job.ID)
	if err != nil {
		ack = false
		return fmt.Errorf("check cancellation: %w", err)
	}
	if cancelled {
		return nil
	}

	if err := d.deps.Store.RefreshTotalFromItems(ctx, job.ID); err != nil {
		ack = false
		return fmt.Errorf("refresh total: %w", err)
	}
	job, err = d.deps.Store.GetJob(ctx, job.ID)
	if err != nil {
		ack = false
		return fmt.Errorf("reload job: %w", err)
	}

	if job.Phase == models.PhaseGenerating && !job.UsageReserved && job.Plan != models.PlanPro {
		if err := d.reserveUsage(ctx, job); err != nil {
			ack = false
			return err
		}
		job, err = d.deps.Store.GetJob(ctx, job.ID)
		if err != nil {
			ack = false
			return fmt.Errorf("reload job after reservation: %w", err)
		}
		if job.Status == models.StatusFailed {
			// LimitExceeded already failed the job and its items.
			return nil
		}
	}

	var runErr error
	switch job.Phase {
	case models.PhaseGenerating:
		runErr = RunGenerate(ctx, d.deps, job.ID)
	case models.PhasePublishing:
		runErr = RunPublish(ctx, d.deps, job.ID)
	default:
		d.deps.Logger.Warnw("delivery for job in unroutable phase", "jobId", job.ID, "phase", job.Phase)
		return nil
	}
	if runErr != nil {
		// Item-level failures are already persisted by the phase runner and
		// never surface here as an error; a non-nil runErr means a store or
		// transport failure mid-phase, so leave the message in-flight for
		// the broker's visibility-timeout reclaim to retry.
		ack = false
	}
	return runErr
}

func (d *Dispatcher) reserveUsage(ctx context.Context, job models.Job) error {
	loc, err := time.LoadLocation(d.deps.Config.FreeTimeZone)
	if err != nil {
		loc = time.UTC
	}
	monthKey := usage.MonthKey(job.CreatedAt, loc)

	outcome, err := usage.Reserve(ctx, d.deps.Store, job.Tenant, monthKey, job.Total, d.deps.Config.FreeMonthlyLimit)
	if err != nil {
		return fmt.Errorf("reserve usage: %w", err)
	}
	if !outcome.OK {
		telemetry.UsageRejected.Inc()
		return d.failForLimitExceeded(ctx, job)
	}
	return d.deps.Store.SetUsageReserved(ctx, job.ID, job.Total)
}

func (d *Dispatcher) failForLimitExceeded(ctx context.Context, job models.Job) error {
	items, err := d.deps.Store.ListItems(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list items for limit failure: %w", err)
	}
	for _, item := range items {
		if item.Status == models.ItemStatusQueued || item.Status == models.ItemStatusRunning {
			if err := d.deps.Store.MarkItemFailed(ctx, item.ID, store.PhaseGenerate, "Free plan limit exceeded", item.GenAttempts, item.GenRetryWaitMs); err != nil {
				return err
			}
		}
	}
	if err := d.deps.Store.SetJobLastError(ctx, job.ID, "Free plan limit exceeded"); err != nil {
		return err
	}
	now := time.Now().UTC()
	return d.deps.Store.SetPhase(ctx, job.ID, job.Phase, models.StatusFailed, store.PhaseTimestamps{FinishedAt: &now})
}
