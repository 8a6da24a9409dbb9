package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ficreative/seo-batch-engine/internal/models"
)

// Postgres wraps pgxpool for durable persistence of jobs, items, and the
// monthly usage counter. It implements JobStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pgxpool.Pool for RunMigrations.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) CreateJob(ctx context.Context, spec JobSpec, specItems []ItemSpec) (models.Job, []models.Item, error) {
	hintsJSON, err := json.Marshal(spec.GenerationHints)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("marshal generation hints: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	jobID := uuid.New().String()
	now := time.Now().UTC()
	plan := spec.Plan
	if plan == "" {
		plan = models.PlanFree
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant, job_type, plan, phase, status, total, created_at,
			language, meta_title, meta_description, generation_hints, apply_only_changed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, jobID, spec.Tenant, spec.JobType, plan, models.PhaseGenerating, models.StatusQueued,
		len(specItems), now, spec.Language, spec.MetaTitle, spec.MetaDescription, hintsJSON, spec.ApplyOnlyChanged)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("insert job: %w", err)
	}

	items := make([]models.Item, 0, len(specItems))
	for _, is := range specItems {
		itemID := uuid.New().String()
		_, err = tx.Exec(ctx, `
			INSERT INTO job_items (id, job_id, target_type, target_id, parent_id, title, media_id, image_url, status, publish_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, itemID, jobID, is.TargetType, is.TargetID, is.ParentID, is.Title, is.MediaID, is.ImageURL,
			models.ItemStatusQueued, models.PublishStatusQueued)
		if err != nil {
			return models.Job{}, nil, fmt.Errorf("insert item: %w", err)
		}
		items = append(items, models.Item{
			ID: itemID, JobID: jobID, TargetType: is.TargetType, TargetID: is.TargetID,
			ParentID: is.ParentID, Title: is.Title, MediaID: is.MediaID, ImageURL: is.ImageURL,
			Status: models.ItemStatusQueued, PublishStatus: models.PublishStatusQueued,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, nil, fmt.Errorf("commit: %w", err)
	}

	job := models.Job{
		ID: jobID, Tenant: spec.Tenant, JobType: spec.JobType, Plan: plan, Phase: models.PhaseGenerating,
		Status: models.StatusQueued, Total: len(specItems), CreatedAt: now, Language: spec.Language,
		MetaTitle: spec.MetaTitle, MetaDescription: spec.MetaDescription, GenerationHints: spec.GenerationHints,
		ApplyOnlyChanged: spec.ApplyOnlyChanged,
	}
	return job, items, nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, job_type, plan, phase, status, total, ok_count, failed_count,
			publish_ok_count, publish_failed_count, total_attempts, total_retry_wait_ms,
			created_at, started_at, finished_at, publish_started_at, publish_finished_at,
			last_heartbeat_at, lock_owner, lock_expires_at, language, meta_title, meta_description,
			generation_hints, apply_only_changed, usage_reserved, usage_count, last_error
		FROM jobs WHERE id = $1
	`, jobID)

	var j models.Job
	var hintsJSON []byte
	var lockOwner, lastError pgtype.Text
	var startedAt, finishedAt, publishStartedAt, publishFinishedAt, lastHeartbeatAt, lockExpiresAt pgtype.Timestamptz

	err := row.Scan(&j.ID, &j.Tenant, &j.JobType, &j.Plan, &j.Phase, &j.Status, &j.Total, &j.OkCount, &j.FailedCount,
		&j.PublishOkCount, &j.PublishFailedCount, &j.TotalAttempts, &j.TotalRetryWaitMs,
		&j.CreatedAt, &startedAt, &finishedAt, &publishStartedAt, &publishFinishedAt,
		&lastHeartbeatAt, &lockOwner, &lockExpiresAt, &j.Language, &j.MetaTitle, &j.MetaDescription,
		&hintsJSON, &j.ApplyOnlyChanged, &j.UsageReserved, &j.UsageCount, &lastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(hintsJSON) > 0 {
		_ = json.Unmarshal(hintsJSON, &j.GenerationHints)
	}
	j.StartedAt = tsPtr(startedAt)
	j.FinishedAt = tsPtr(finishedAt)
	j.PublishStartedAt = tsPtr(publishStartedAt)
	j.PublishFinishedAt = tsPtr(publishFinishedAt)
	j.LastHeartbeatAt = tsPtr(lastHeartbeatAt)
	j.LockExpiresAt = tsPtr(lockExpiresAt)
	j.LockOwner = textPtr(lockOwner)
	j.LastError = lastError.String
	return j, nil
}

func (s *Postgres) GetItem(ctx context.Context, itemID string) (models.Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, target_type, target_id, parent_id, title, media_id, image_url,
			status, started_at, finished_at, error, gen_attempts, gen_retry_wait_ms,
			seo_title, seo_description, publish_status, published_at, publish_error,
			publish_attempts, publish_retry_wait_ms
		FROM job_items WHERE id = $1
	`, itemID)
	return scanItem(row)
}

func scanItem(row pgx.Row) (models.Item, error) {
	var it models.Item
	var parentID, mediaID, imageURL, errText, seoTitle, seoDesc, pubErr pgtype.Text
	var startedAt, finishedAt, publishedAt pgtype.Timestamptz

	err := row.Scan(&it.ID, &it.JobID, &it.TargetType, &it.TargetID, &parentID, &it.Title, &mediaID, &imageURL,
		&it.Status, &startedAt, &finishedAt, &errText, &it.GenAttempts, &it.GenRetryWaitMs,
		&seoTitle, &seoDesc, &it.PublishStatus, &publishedAt, &pubErr,
		&it.PublishAttempts, &it.PublishRetryWaitMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Item{}, fmt.Errorf("item not found: %w", err)
		}
		return models.Item{}, fmt.Errorf("scan item: %w", err)
	}
	it.ParentID = textPtr(parentID)
	it.MediaID = mediaID.String
	it.ImageURL = imageURL.String
	it.Error = errText.String
	it.SeoTitle = seoTitle.String
	it.SeoDescription = seoDesc.String
	it.PublishError = pubErr.String
	it.StartedAt = tsPtr(startedAt)
	it.FinishedAt = tsPtr(finishedAt)
	it.PublishedAt = tsPtr(publishedAt)
	return it, nil
}

func (s *Postgres) ListItems(ctx context.Context, jobID string) ([]models.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, target_type, target_id, parent_id, title, media_id, image_url,
			status, started_at, finished_at, error, gen_attempts, gen_retry_wait_ms,
			seo_title, seo_description, publish_status, published_at, publish_error,
			publish_attempts, publish_retry_wait_ms
		FROM job_items WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// AcquireLease performs a CAS update: it updates the lease iff unheld,
// expired, or already owned by owner.
func (s *Postgres) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lock_owner = $2, lock_expires_at = $3
		WHERE id = $1 AND (lock_owner IS NULL OR lock_expires_at < NOW() OR lock_owner = $2)
	`, jobID, owner, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) TouchLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lock_expires_at = $3, last_heartbeat_at = NOW()
		WHERE id = $1 AND lock_owner = $2
	`, jobID, owner, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("touch lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lease not held by %s", owner)
	}
	return nil
}

func (s *Postgres) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2
	`, jobID, owner)
	return err
}

func (s *Postgres) NextItems(ctx context.Context, jobID string, phase Phase, limit int) ([]models.Item, error) {
	var rows pgx.Rows
	var err error
	if phase == PhaseGenerate {
		rows, err = s.pool.Query(ctx, `
			SELECT id, job_id, target_type, target_id, parent_id, title, media_id, image_url,
				status, started_at, finished_at, error, gen_attempts, gen_retry_wait_ms,
				seo_title, seo_description, publish_status, published_at, publish_error,
				publish_attempts, publish_retry_wait_ms
			FROM job_items WHERE job_id = $1 AND status IN ('Queued','Failed') ORDER BY id ASC LIMIT $2
		`, jobID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, job_id, target_type, target_id, parent_id, title, media_id, image_url,
				status, started_at, finished_at, error, gen_attempts, gen_retry_wait_ms,
				seo_title, seo_description, publish_status, published_at, publish_error,
				publish_attempts, publish_retry_wait_ms
			FROM job_items WHERE job_id = $1 AND publish_status IN ('Queued','Failed') ORDER BY id ASC LIMIT $2
		`, jobID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query next items: %w", err)
	}
	defer rows.Close()

	var out []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkItemRunning(ctx context.Context, itemID string, phase Phase) error {
	var err error
	if phase == PhaseGenerate {
		_, err = s.pool.Exec(ctx, `UPDATE job_items SET status = 'Running', started_at = NOW(), error = NULL WHERE id = $1`, itemID)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE job_items SET publish_status = 'Running', publish_error = NULL WHERE id = $1`, itemID)
	}
	return err
}

func (s *Postgres) MarkItemSuccess(ctx context.Context, itemID string, phase Phase, fields ItemSuccessFields) error {
	var err error
	if phase == PhaseGenerate {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_items SET status = 'Success', finished_at = NOW(),
				seo_title = COALESCE($2, seo_title), seo_description = COALESCE($3, seo_description)
			WHERE id = $1
		`, itemID, fields.SeoTitle, fields.SeoDescription)
	} else if fields.CopyDraftToBaseline {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_items SET publish_status = 'Success', published_at = NOW(), seo_description = seo_title
			WHERE id = $1
		`, itemID)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE job_items SET publish_status = 'Success', published_at = NOW() WHERE id = $1`, itemID)
	}
	return err
}

func (s *Postgres) MarkItemFailed(ctx context.Context, itemID string, phase Phase, userMessage string, attempts, retryWaitMs int) error {
	msg := truncate(userMessage, 900)
	var err error
	if phase == PhaseGenerate {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_items SET status = 'Failed', finished_at = NOW(), error = $2, gen_attempts = $3, gen_retry_wait_ms = $4
			WHERE id = $1
		`, itemID, msg, attempts, retryWaitMs)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_items SET publish_status = 'Failed', publish_error = $2, publish_attempts = $3, publish_retry_wait_ms = $4
			WHERE id = $1
		`, itemID, msg, attempts, retryWaitMs)
	}
	return err
}

func (s *Postgres) IncrementCounters(ctx context.Context, jobID string, d CounterDeltas) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET ok_count = ok_count + $2, failed_count = failed_count + $3,
			publish_ok_count = publish_ok_count + $4, publish_failed_count = publish_failed_count + $5,
			total_attempts = total_attempts + $6, total_retry_wait_ms = total_retry_wait_ms + $7
		WHERE id = $1
	`, jobID, d.OkCount, d.FailedCount, d.PublishOkCount, d.PublishFailedCount, d.TotalAttempts, d.TotalRetryWaitMs)
	return err
}

func (s *Postgres) SetPhase(ctx context.Context, jobID string, phase, status string, ts PhaseTimestamps) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET phase = $2, status = $3,
			started_at = COALESCE($4, started_at),
			finished_at = COALESCE($5, finished_at),
			publish_started_at = COALESCE($6, publish_started_at),
			publish_finished_at = COALESCE($7, publish_finished_at)
		WHERE id = $1
	`, jobID, phase, status, ts.StartedAt, ts.FinishedAt, ts.PublishStartedAt, ts.PublishFinishedAt)
	return err
}

func (s *Postgres) SetJobLastError(ctx context.Context, jobID, message string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET last_error = $2 WHERE id = $1`, jobID, truncate(message, 900))
	return err
}

func (s *Postgres) RefreshTotalFromItems(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET total = (SELECT COUNT(*) FROM job_items WHERE job_id = $1) WHERE id = $1
	`, jobID)
	return err
}

func (s *Postgres) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status); err != nil {
		return false, fmt.Errorf("query status: %w", err)
	}
	return status == models.StatusCancelled, nil
}

func (s *Postgres) CancelJob(ctx context.Context, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, jobID, models.StatusCancelled); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_items SET status = 'Failed', error = 'Cancelled by user', finished_at = NOW()
		WHERE job_id = $1 AND status IN ('Queued','Running')
	`, jobID); err != nil {
		return fmt.Errorf("cancel items generate: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_items SET publish_status = 'Failed', publish_error = 'Cancelled by user'
		WHERE job_id = $1 AND publish_status IN ('Queued','Running')
	`, jobID); err != nil {
		return fmt.Errorf("cancel items publish: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) SetUsageReserved(ctx context.Context, jobID string, count int) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET usage_reserved = TRUE, usage_count = $2 WHERE id = $1`, jobID, count)
	return err
}

func (s *Postgres) SelectItemsForPublish(ctx context.Context, jobID string, selectedItemIDs []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE job_items SET publish_status = 'Skipped' WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("skip all: %w", err)
	}
	if len(selectedItemIDs) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE job_items SET publish_status = 'Queued' WHERE job_id = $1 AND id = ANY($2)`, jobID, selectedItemIDs); err != nil {
			return fmt.Errorf("select items: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) UpdateItemDraft(ctx context.Context, itemID, seoTitle, seoDescription string) error {
	_, err := s.pool.Exec(ctx, `UPDATE job_items SET seo_title = $2, seo_description = $3 WHERE id = $1`, itemID, seoTitle, seoDescription)
	return err
}

func (s *Postgres) FindStuck(ctx context.Context, now time.Time, staleAfter time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = 'Running' AND lock_expires_at < $1
			AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2 OR started_at IS NULL)
		ORDER BY created_at ASC LIMIT 25
	`, now, now.Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Postgres) RecoverStuck(ctx context.Context, job models.Job, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msg := truncate(reason, 900)
	if _, err := tx.Exec(ctx, `
		UPDATE job_items SET status = 'Failed', error = $2, finished_at = NOW() WHERE job_id = $1 AND status = 'Running'
	`, job.ID, msg); err != nil {
		return fmt.Errorf("fail running generate items: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_items SET publish_status = 'Failed', publish_error = $2 WHERE job_id = $1 AND publish_status = 'Running'
	`, job.ID, msg); err != nil {
		return fmt.Errorf("fail running publish items: %w", err)
	}

	finishedCol := "finished_at"
	if job.Phase == models.PhasePublishing {
		finishedCol = "publish_finished_at"
	}
	q := fmt.Sprintf(`
		UPDATE jobs SET status = 'Failed', last_error = $2, lock_owner = NULL, lock_expires_at = NULL, %s = NOW()
		WHERE id = $1
	`, finishedCol)
	if _, err := tx.Exec(ctx, q, job.ID, msg); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) RetryFailedItems(ctx context.Context, jobID string, phase Phase) (int, error) {
	var tag pgx.Rows
	var err error
	if phase == PhaseGenerate {
		tag, err = s.pool.Query(ctx, `UPDATE job_items SET status = 'Queued', error = NULL WHERE job_id = $1 AND status = 'Failed' RETURNING id`, jobID)
	} else {
		tag, err = s.pool.Query(ctx, `UPDATE job_items SET publish_status = 'Queued', publish_error = NULL WHERE job_id = $1 AND publish_status = 'Failed' RETURNING id`, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	defer tag.Close()
	n := 0
	for tag.Next() {
		n++
	}
	return n, tag.Err()
}

func (s *Postgres) ListJobs(ctx context.Context, tenant string, filters ListFilters) (ListResult, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 25
	}
	query := `SELECT id FROM jobs WHERE tenant = $1`
	args := []any{tenant}
	idx := 2
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filters.Status)
		idx++
	}
	if filters.Phase != "" {
		query += fmt.Sprintf(" AND phase = $%d", idx)
		args = append(args, filters.Phase)
		idx++
	}
	if filters.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", idx)
		args = append(args, filters.JobType)
		idx++
	}
	if filters.IDLike != "" {
		query += fmt.Sprintf(" AND id LIKE $%d", idx)
		args = append(args, "%"+filters.IDLike+"%")
		idx++
	}
	if filters.Cursor != "" {
		query += fmt.Sprintf(" AND created_at < (SELECT created_at FROM jobs WHERE id = $%d)", idx)
		args = append(args, filters.Cursor)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ListResult{}, err
		}
		ids = append(ids, id)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	next := ""
	if len(jobs) == limit {
		next = jobs[len(jobs)-1].ID
	}
	return ListResult{Jobs: jobs, NextCursor: next}, nil
}

// ReserveUsage runs the serializable reserve-or-reject transaction,
// retrying up to 3 times on serialization conflicts.
func (s *Postgres) ReserveUsage(ctx context.Context, tenant, monthKey string, n, limit int) (ReserveResult, error) {
	var result ReserveResult
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		result, lastErr = s.reserveUsageOnce(ctx, tenant, monthKey, n, limit)
		if lastErr == nil {
			return result, nil
		}
		if !isSerializationFailure(lastErr) {
			return ReserveResult{}, lastErr
		}
		time.Sleep(time.Duration(50*attempt) * time.Millisecond)
	}
	return ReserveResult{}, lastErr
}

func (s *Postgres) reserveUsageOnce(ctx context.Context, tenant, monthKey string, n, limit int) (ReserveResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return ReserveResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_monthly (tenant, month_key, used) VALUES ($1, $2, 0)
		ON CONFLICT (tenant, month_key) DO NOTHING
	`, tenant, monthKey); err != nil {
		return ReserveResult{}, fmt.Errorf("upsert usage row: %w", err)
	}

	var used int
	if err := tx.QueryRow(ctx, `SELECT used FROM usage_monthly WHERE tenant = $1 AND month_key = $2`, tenant, monthKey).Scan(&used); err != nil {
		return ReserveResult{}, fmt.Errorf("read usage: %w", err)
	}

	if used+n > limit {
		if err := tx.Commit(ctx); err != nil {
			return ReserveResult{}, fmt.Errorf("commit read-only: %w", err)
		}
		return ReserveResult{OK: false, Used: used, Remaining: limit - used}, nil
	}

	newUsed := used + n
	if _, err := tx.Exec(ctx, `UPDATE usage_monthly SET used = $3 WHERE tenant = $1 AND month_key = $2`, tenant, monthKey, newUsed); err != nil {
		return ReserveResult{}, fmt.Errorf("update usage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ReserveResult{}, fmt.Errorf("commit: %w", err)
	}
	return ReserveResult{OK: true, Used: newUsed, Remaining: limit - newUsed}, nil
}

func isSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "40001"
	}
	return false
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
