// Package usage implements a monthly per-tenant quota check backed by the
// store's serializable transaction, called at most once per job lifetime.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/store"
)

// Outcome is the result surfaced to the Dispatcher.
type Outcome struct {
	OK        bool
	Code      string
	Used      int
	Remaining int
}

// MonthKey formats t into the "YYYY-MM" key used to bucket usage_monthly rows.
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// Reserve runs JobStore.ReserveUsage for (tenant, monthKey), returning
// LimitExceeded when the tenant's free-tier cap would be crossed. The
// store's own retry-on-serialization-conflict logic is already embedded in
// the JobStore implementation; this layer only shapes the result.
func Reserve(ctx context.Context, st store.JobStore, tenant, monthKey string, n, limit int) (Outcome, error) {
	res, err := st.ReserveUsage(ctx, tenant, monthKey, n, limit)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve usage: %w", err)
	}
	if !res.OK {
		return Outcome{OK: false, Code: "LimitExceeded", Used: res.Used, Remaining: res.Remaining}, nil
	}
	return Outcome{OK: true, Used: res.Used, Remaining: res.Remaining}, nil
}
