package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

// RunRecoveryTick executes one pass of the recovery sweep: find jobs whose
// lease expired without a recent heartbeat and fail them with a diagnostic
// reason, freeing their lease for a future retry.
func RunRecoveryTick(ctx context.Context, deps Deps, now time.Time) (int, error) {
	stuck, err := deps.Store.FindStuck(ctx, now, deps.Config.StuckAfter)
	if err != nil {
		return 0, fmt.Errorf("find stuck jobs: %w", err)
	}

	reason := fmt.Sprintf("Recovered stuck job (no heartbeat >= %s)", deps.Config.StuckAfter)
	for _, job := range stuck {
		if err := deps.Store.RecoverStuck(ctx, job, reason); err != nil {
			deps.Logger.Errorw("failed to recover stuck job", "jobId", job.ID, "error", err)
			continue
		}
		telemetry.JobsRecovered.Inc()
		deps.Logger.Warnw("recovered stuck job", "jobId", job.ID, "tenant", job.Tenant)
	}
	return len(stuck), nil
}
