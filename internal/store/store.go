// Package store implements durable job/item state, counters, leases, and
// the monthly usage counter. JobStore is expressed as an interface so the
// engine packages can be exercised against an in-memory fake (Memory) in
// tests and against Postgres (Postgres) in production — the two-phase,
// per-item state machine here is worth testing without a live database.
package store

import (
	"context"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/models"
)

// Phase distinguishes which item fields a NextItems/Mark* call targets.
type Phase string

const (
	PhaseGenerate Phase = "generate"
	PhasePublish  Phase = "publish"
)

// JobSpec collects the inputs required to create a job.
type JobSpec struct {
	Tenant           string
	JobType          string
	Plan             string
	Language         string
	MetaTitle        bool
	MetaDescription  bool
	GenerationHints  map[string]any
	ApplyOnlyChanged bool
}

// ItemSpec collects the inputs required to create one item.
type ItemSpec struct {
	TargetType string
	TargetID   string
	ParentID   *string
	Title      string
	MediaID    string
	ImageURL   string
}

// CounterDeltas captures atomic counter increments applied by IncrementCounters.
type CounterDeltas struct {
	OkCount            int
	FailedCount        int
	PublishOkCount     int
	PublishFailedCount int
	TotalAttempts      int
	TotalRetryWaitMs   int
}

// PhaseTimestamps carries the timestamp fields SetPhase may set; zero
// values are left untouched.
type PhaseTimestamps struct {
	StartedAt         *time.Time
	FinishedAt        *time.Time
	PublishStartedAt  *time.Time
	PublishFinishedAt *time.Time
}

// ItemSuccessFields carries the per-phase fields MarkItemSuccess writes.
type ItemSuccessFields struct {
	// Generate phase.
	SeoTitle       *string
	SeoDescription *string
	// Publish phase.
	CopyDraftToBaseline bool
}

// ListFilters narrows ListJobs results.
type ListFilters struct {
	Status  string
	Phase   string
	JobType string
	IDLike  string
	Cursor  string
	Limit   int
}

// ListResult is a single page of ListJobs.
type ListResult struct {
	Jobs       []models.Job
	NextCursor string
}

// JobStore is the durable persistence surface the engine depends on.
type JobStore interface {
	CreateJob(ctx context.Context, spec JobSpec, items []ItemSpec) (models.Job, []models.Item, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	GetItem(ctx context.Context, itemID string) (models.Item, error)
	ListItems(ctx context.Context, jobID string) ([]models.Item, error)

	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	TouchLease(ctx context.Context, jobID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, jobID, owner string) error

	NextItems(ctx context.Context, jobID string, phase Phase, limit int) ([]models.Item, error)
	MarkItemRunning(ctx context.Context, itemID string, phase Phase) error
	MarkItemSuccess(ctx context.Context, itemID string, phase Phase, fields ItemSuccessFields) error
	MarkItemFailed(ctx context.Context, itemID string, phase Phase, userMessage string, attempts, retryWaitMs int) error

	IncrementCounters(ctx context.Context, jobID string, deltas CounterDeltas) error
	SetPhase(ctx context.Context, jobID string, phase, status string, ts PhaseTimestamps) error
	SetJobLastError(ctx context.Context, jobID, message string) error
	RefreshTotalFromItems(ctx context.Context, jobID string) error

	IsCancelled(ctx context.Context, jobID string) (bool, error)
	CancelJob(ctx context.Context, jobID string) error

	SetUsageReserved(ctx context.Context, jobID string, count int) error

	SelectItemsForPublish(ctx context.Context, jobID string, selectedItemIDs []string) error
	UpdateItemDraft(ctx context.Context, itemID, seoTitle, seoDescription string) error

	FindStuck(ctx context.Context, now time.Time, staleAfter time.Duration) ([]models.Job, error)
	RecoverStuck(ctx context.Context, job models.Job, reason string) error

	RetryFailedItems(ctx context.Context, jobID string, phase Phase) (int, error)

	ListJobs(ctx context.Context, tenant string, filters ListFilters) (ListResult, error)

	// Usage reservation support — reservation itself lives in the usage
	// package, which needs a serializable transaction against this row.
	ReserveUsage(ctx context.Context, tenant, monthKey string, n, limit int) (ReserveResult, error)
}

// ReserveResult is the outcome of a usage reservation attempt.
type ReserveResult struct {
	OK        bool
	Used      int
	Remaining int
}
