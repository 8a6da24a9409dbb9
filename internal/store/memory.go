package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ficreative/seo-batch-engine/internal/models"
)

// Memory is an in-memory JobStore used to exercise the engine's semantics
// in tests without a live Postgres instance. It applies the same
// CAS-guarded update idioms as Postgres (AcquireLease, TouchLease, ReleaseLease)
// so tests exercising lease contention behave the same way against either
// implementation.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	items   map[string]*models.Item
	usage   map[string]int // tenant|monthKey -> used
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*models.Job),
		items: make(map[string]*models.Item),
		usage: make(map[string]int),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (m *Memory) CreateJob(ctx context.Context, spec JobSpec, specItems []ItemSpec) (models.Job, []models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	plan := spec.Plan
	if plan == "" {
		plan = models.PlanFree
	}
	job := &models.Job{
		ID:               uuid.New().String(),
		Tenant:           spec.Tenant,
		JobType:          spec.JobType,
		Plan:             plan,
		Phase:            models.PhaseGenerating,
		Status:           models.StatusQueued,
		Total:            len(specItems),
		CreatedAt:        now,
		Language:         spec.Language,
		MetaTitle:        spec.MetaTitle,
		MetaDescription:  spec.MetaDescription,
		GenerationHints:  spec.GenerationHints,
		ApplyOnlyChanged: spec.ApplyOnlyChanged,
	}
	m.jobs[job.ID] = job

	items := make([]models.Item, 0, len(specItems))
	for _, is := range specItems {
		it := &models.Item{
			ID:            uuid.New().String(),
			JobID:         job.ID,
			TargetType:    is.TargetType,
			TargetID:      is.TargetID,
			ParentID:      is.ParentID,
			Title:         is.Title,
			MediaID:       is.MediaID,
			ImageURL:      is.ImageURL,
			Status:        models.ItemStatusQueued,
			PublishStatus: models.PublishStatusQueued,
		}
		m.items[it.ID] = it
		items = append(items, *it)
	}
	return *job, items, nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("job not found: %s", jobID)
	}
	return *j, nil
}

func (m *Memory) GetItem(ctx context.Context, itemID string) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return models.Item{}, fmt.Errorf("item not found: %s", itemID)
	}
	return *it, nil
}

func (m *Memory) ListItems(ctx context.Context, jobID string) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Item
	for _, it := range m.items {
		if it.JobID == jobID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job not found: %s", jobID)
	}
	now := time.Now().UTC()
	if j.LockOwner == nil || (j.LockExpiresAt != nil && j.LockExpiresAt.Before(now)) || *j.LockOwner == owner {
		o := owner
		exp := now.Add(ttl)
		j.LockOwner = &o
		j.LockExpiresAt = &exp
		return true, nil
	}
	return false, nil
}

func (m *Memory) TouchLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if j.LockOwner == nil || *j.LockOwner != owner {
		return fmt.Errorf("lease not held by %s", owner)
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	j.LockExpiresAt = &exp
	j.LastHeartbeatAt = &now
	return nil
}

func (m *Memory) ReleaseLease(ctx context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if j.LockOwner != nil && *j.LockOwner == owner {
		j.LockOwner = nil
		j.LockExpiresAt = nil
	}
	return nil
}

func (m *Memory) NextItems(ctx context.Context, jobID string, phase Phase, limit int) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Item
	for _, it := range m.items {
		if it.JobID != jobID {
			continue
		}
		eligible := false
		if phase == PhaseGenerate {
			eligible = it.Status == models.ItemStatusQueued || it.Status == models.ItemStatusFailed
		} else {
			eligible = it.PublishStatus == models.PublishStatusQueued || it.PublishStatus == models.PublishStatusFailed
		}
		if eligible {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkItemRunning(ctx context.Context, itemID string, phase Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item not found: %s", itemID)
	}
	now := time.Now().UTC()
	if phase == PhaseGenerate {
		it.Status = models.ItemStatusRunning
		it.StartedAt = &now
		it.Error = ""
	} else {
		it.PublishStatus = models.PublishStatusRunning
		it.PublishError = ""
	}
	return nil
}

func (m *Memory) MarkItemSuccess(ctx context.Context, itemID string, phase Phase, fields ItemSuccessFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item not found: %s", itemID)
	}
	now := time.Now().UTC()
	if phase == PhaseGenerate {
		it.Status = models.ItemStatusSuccess
		it.FinishedAt = &now
		if fields.SeoTitle != nil {
			it.SeoTitle = *fields.SeoTitle
		}
		if fields.SeoDescription != nil {
			it.SeoDescription = *fields.SeoDescription
		}
	} else {
		it.PublishStatus = models.PublishStatusSuccess
		it.PublishedAt = &now
		if fields.CopyDraftToBaseline {
			it.SeoDescription = it.SeoTitle
		}
	}
	return nil
}

func (m *Memory) MarkItemFailed(ctx context.Context, itemID string, phase Phase, userMessage string, attempts, retryWaitMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item not found: %s", itemID)
	}
	now := time.Now().UTC()
	msg := truncate(userMessage, 900)
	if phase == PhaseGenerate {
		it.Status = models.ItemStatusFailed
		it.FinishedAt = &now
		it.Error = msg
		it.GenAttempts = attempts
		it.GenRetryWaitMs = retryWaitMs
	} else {
		it.PublishStatus = models.PublishStatusFailed
		it.PublishError = msg
		it.PublishAttempts = attempts
		it.PublishRetryWaitMs = retryWaitMs
	}
	return nil
}

func (m *Memory) IncrementCounters(ctx context.Context, jobID string, deltas CounterDeltas) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	j.OkCount += deltas.OkCount
	j.FailedCount += deltas.FailedCount
	j.PublishOkCount += deltas.PublishOkCount
	j.PublishFailedCount += deltas.PublishFailedCount
	j.TotalAttempts += deltas.TotalAttempts
	j.TotalRetryWaitMs += deltas.TotalRetryWaitMs
	return nil
}

func (m *Memory) SetPhase(ctx context.Context, jobID string, phase, status string, ts PhaseTimestamps) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	j.Phase = phase
	j.Status = status
	if ts.StartedAt != nil {
		j.StartedAt = ts.StartedAt
	}
	if ts.FinishedAt != nil {
		j.FinishedAt = ts.FinishedAt
	}
	if ts.PublishStartedAt != nil {
		j.PublishStartedAt = ts.PublishStartedAt
	}
	if ts.PublishFinishedAt != nil {
		j.PublishFinishedAt = ts.PublishFinishedAt
	}
	return nil
}

func (m *Memory) SetJobLastError(ctx context.Context, jobID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	j.LastError = truncate(message, 900)
	return nil
}

func (m *Memory) RefreshTotalFromItems(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	n := 0
	for _, it := range m.items {
		if it.JobID == jobID {
			n++
		}
	}
	j.Total = n
	return nil
}

func (m *Memory) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job not found: %s", jobID)
	}
	return j.Status == models.StatusCancelled, nil
}

func (m *Memory) CancelJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	j.Status = models.StatusCancelled
	now := time.Now().UTC()
	for _, it := range m.items {
		if it.JobID != jobID {
			continue
		}
		if it.Status == models.ItemStatusRunning || it.Status == models.ItemStatusQueued {
			it.Status = models.ItemStatusFailed
			it.Error = "Cancelled by user"
			it.FinishedAt = &now
		}
		if it.PublishStatus == models.PublishStatusRunning || it.PublishStatus == models.PublishStatusQueued {
			it.PublishStatus = models.PublishStatusFailed
			it.PublishError = "Cancelled by user"
		}
	}
	return nil
}

func (m *Memory) SetUsageReserved(ctx context.Context, jobID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	j.UsageReserved = true
	j.UsageCount = count
	return nil
}

func (m *Memory) SelectItemsForPublish(ctx context.Context, jobID string, selectedItemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	selected := make(map[string]bool, len(selectedItemIDs))
	for _, id := range selectedItemIDs {
		selected[id] = true
	}
	for _, it := range m.items {
		if it.JobID != jobID {
			continue
		}
		if selected[it.ID] {
			it.PublishStatus = models.PublishStatusQueued
		} else {
			it.PublishStatus = models.PublishStatusSkipped
		}
	}
	return nil
}

func (m *Memory) UpdateItemDraft(ctx context.Context, itemID, seoTitle, seoDescription string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item not found: %s", itemID)
	}
	it.SeoTitle = seoTitle
	it.SeoDescription = seoDescription
	return nil
}

func (m *Memory) FindStuck(ctx context.Context, now time.Time, staleAfter time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusRunning {
			continue
		}
		if j.LockExpiresAt == nil || !j.LockExpiresAt.Before(now) {
			continue
		}
		noHeartbeat := j.LastHeartbeatAt == nil || j.LastHeartbeatAt.Before(now.Add(-staleAfter))
		noStart := j.StartedAt == nil
		if noHeartbeat || noStart {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > 25 {
		out = out[:25]
	}
	return out, nil
}

func (m *Memory) RecoverStuck(ctx context.Context, job models.Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job not found: %s", job.ID)
	}
	now := time.Now().UTC()
	for _, it := range m.items {
		if it.JobID != job.ID {
			continue
		}
		if it.Status == models.ItemStatusRunning {
			it.Status = models.ItemStatusFailed
			it.Error = truncate(reason, 900)
			it.FinishedAt = &now
		}
		if it.PublishStatus == models.PublishStatusRunning {
			it.PublishStatus = models.PublishStatusFailed
			it.PublishError = truncate(reason, 900)
		}
	}
	j.Status = models.StatusFailed
	if j.Phase == models.PhaseGenerating {
		j.FinishedAt = &now
	} else if j.Phase == models.PhasePublishing {
		j.PublishFinishedAt = &now
	}
	j.LastError = truncate(reason, 900)
	j.LockOwner = nil
	j.LockExpiresAt = nil
	return nil
}

func (m *Memory) RetryFailedItems(ctx context.Context, jobID string, phase Phase) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.JobID != jobID {
			continue
		}
		if phase == PhaseGenerate && it.Status == models.ItemStatusFailed {
			it.Status = models.ItemStatusQueued
			it.Error = ""
			n++
		}
		if phase == PhasePublish && it.PublishStatus == models.PublishStatusFailed {
			it.PublishStatus = models.PublishStatusQueued
			it.PublishError = ""
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListJobs(ctx context.Context, tenant string, filters ListFilters) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.Job
	for _, j := range m.jobs {
		if j.Tenant != tenant {
			continue
		}
		if filters.Status != "" && j.Status != filters.Status {
			continue
		}
		if filters.Phase != "" && j.Phase != filters.Phase {
			continue
		}
		if filters.JobType != "" && j.JobType != filters.JobType {
			continue
		}
		if filters.IDLike != "" && !containsSubstr(j.ID, filters.IDLike) {
			continue
		}
		matched = append(matched, *j)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	limit := filters.Limit
	if limit <= 0 {
		limit = 25
	}
	start := 0
	if filters.Cursor != "" {
		for i, j := range matched {
			if j.ID == filters.Cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[start:end]
	next := ""
	if end < len(matched) {
		next = page[len(page)-1].ID
	}
	return ListResult{Jobs: page, NextCursor: next}, nil
}

func containsSubstr(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func (m *Memory) ReserveUsage(ctx context.Context, tenant, monthKey string, n, limit int) (ReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenant + "|" + monthKey
	used := m.usage[key]
	if used+n > limit {
		return ReserveResult{OK: false, Used: used, Remaining: limit - used}, nil
	}
	used += n
	m.usage[key] = used
	return ReserveResult{OK: true, Used: used, Remaining: limit - used}, nil
}
