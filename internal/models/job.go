// Package models defines the persisted shapes of the job orchestration
// engine: jobs, their items, and the monthly usage counter.
package models

import "time"

// Job lifecycle enums.
const (
	JobTypeProductSeo = "ProductSeo"
	JobTypeImageAlt    = "ImageAlt"
	JobTypeBlogSeo     = "BlogSeo"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"
)

const (
	PhaseGenerating = "Generating"
	PhaseGenerated  = "Generated"
	PhasePublishing = "Publishing"
	PhasePublished  = "Published"
)

const (
	StatusQueued    = "Queued"
	StatusRunning   = "Running"
	StatusSuccess   = "Success"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
)

// Item target and status enums.
const (
	TargetProduct = "Product"
	TargetImage   = "Image"
	TargetArticle = "Article"
)

const (
	ItemStatusQueued  = "Queued"
	ItemStatusRunning = "Running"
	ItemStatusSuccess = "Success"
	ItemStatusFailed  = "Failed"
)

const (
	PublishStatusQueued  = "Queued"
	PublishStatusRunning = "Running"
	PublishStatusSuccess = "Success"
	PublishStatusFailed  = "Failed"
	PublishStatusSkipped = "Skipped"
)

// Job is one batch of SEO-enrichment work for one tenant.
type Job struct {
	ID       string `json:"id"`
	Tenant   string `json:"tenant"`
	JobType  string `json:"jobType"`
	Phase    string `json:"phase"`
	Status   string `json:"status"`

	Total              int `json:"total"`
	OkCount            int `json:"okCount"`
	FailedCount        int `json:"failedCount"`
	PublishOkCount     int `json:"publishOkCount"`
	PublishFailedCount int `json:"publishFailedCount"`
	TotalAttempts      int `json:"totalAttempts"`
	TotalRetryWaitMs   int `json:"totalRetryWaitMs"`

	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	PublishStartedAt *time.Time `json:"publishStartedAt,omitempty"`
	PublishFinishedAt *time.Time `json:"publishFinishedAt,omitempty"`
	LastHeartbeatAt  *time.Time `json:"lastHeartbeatAt,omitempty"`

	LockOwner     *string    `json:"lockOwner,omitempty"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`

	Language          string         `json:"language"`
	MetaTitle         bool           `json:"metaTitle"`
	MetaDescription   bool           `json:"metaDescription"`
	GenerationHints   map[string]any `json:"generationHints,omitempty"`
	ApplyOnlyChanged  bool           `json:"applyOnlyChanged"`

	// Plan is supplied by the caller at creation time ("free" or "pro");
	// billing plan mapping itself is out of scope, so the Dispatcher trusts
	// this field rather than looking the tenant up anywhere.
	Plan string `json:"plan"`

	UsageReserved bool `json:"usageReserved"`
	UsageCount    int  `json:"usageCount"`

	LastError string `json:"lastError,omitempty"`
}

// Item is one unit of work inside a job.
type Item struct {
	ID       string `json:"id"`
	JobID    string `json:"jobId"`

	TargetType string  `json:"targetType"`
	TargetID   string  `json:"targetId"`
	ParentID   *string `json:"parentId,omitempty"`
	Title      string  `json:"title,omitempty"`
	MediaID    string  `json:"mediaId,omitempty"`
	ImageURL   string  `json:"imageUrl,omitempty"`

	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
	GenAttempts    int        `json:"genAttempts"`
	GenRetryWaitMs int        `json:"genRetryWaitMs"`

	SeoTitle       string `json:"seoTitle,omitempty"`
	SeoDescription string `json:"seoDescription,omitempty"`

	PublishStatus     string     `json:"publishStatus"`
	PublishedAt       *time.Time `json:"publishedAt,omitempty"`
	PublishError      string     `json:"publishError,omitempty"`
	PublishAttempts   int        `json:"publishAttempts"`
	PublishRetryWaitMs int       `json:"publishRetryWaitMs"`
}

// UsageCounter tracks a tenant's free-tier consumption for one month.
type UsageCounter struct {
	Tenant   string `json:"tenant"`
	MonthKey string `json:"monthKey"`
	Used     int    `json:"used"`
}

// MaxFieldLengths bounds generated text by target type, enforced by the
// generator client and hard-truncated after acceptance.
const (
	ProductTitleMax       = 70
	ProductDescriptionMax = 320
	ArticleTitleMax       = 70
	ArticleDescriptionMax = 320
	ImageAltMax           = 512
)
